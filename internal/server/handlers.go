package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// WebSocketHandler upgrades GET requests and hands the connection to the
// server as a new client.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.Connect(conn, r.RemoteAddr, "")
}

// HealthHandler reports that the server is up along with a few counters.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Session server is running! clients=%d projects=%d", s.hub.Len(), s.library.Len())
}

type projectInfo struct {
	ID      string `json:"id"`
	Clients int    `json:"clients"`
}

// handleProjects lists the cached projects.
func (s *Server) handleProjects(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	ids := s.library.IDs()
	infos := make([]projectInfo, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.library.Get(id); ok {
			infos = append(infos, projectInfo{ID: id, Clients: p.Len()})
		}
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// handleProject reports one cached project. It never triggers a load.
func (s *Server) handleProject(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	p, ok := s.library.Get(id)
	if !ok {
		http.Error(w, "project not loaded", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, projectInfo{ID: id, Clients: p.Len()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("error writing JSON response", "err", err)
	}
}

// TestPageHandler serves a small page for authenticating against a project
// and exchanging relay messages by hand.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.log.Error("error writing HTML response", "err", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Session Server Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"], input[type="password"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:disabled { background-color: #999; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Session Server Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="project" placeholder="Project ID (empty for auto-login)">
        <input type="password" id="pwd" placeholder="Password">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="message" placeholder="Relay message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');
        const messageInput = document.getElementById('message');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function setStatus(text, connected) {
            statusDiv.textContent = text;
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = ws ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function () {
                const core = {};
                const id = document.getElementById('project').value;
                const pwd = document.getElementById('pwd').value;
                if (id) core.id = id;
                if (pwd) core.pwd = pwd;
                ws.send(JSON.stringify({_core: core}));
                setStatus('Authenticating...', false);
            };

            ws.onmessage = function (event) {
                let data;
                try { data = JSON.parse(event.data); } catch (e) { addLine(event.data); return; }
                const core = data._core;
                if (!core) { addLine('relay: ' + event.data, 'green'); return; }
                if (core.authed) {
                    setStatus('Authenticated to ' + core.authed.id + ' as #' + core.authed.serverID, true);
                } else if (core.authErr) {
                    addLine('auth error ' + core.authErr.code + ': ' + core.authErr.message, 'red');
                } else if (core.err) {
                    addLine('error ' + core.err.code + ': ' + core.err.message, 'red');
                } else if (core.autoReload !== undefined) {
                    addLine('auto-login project changed to ' + core.autoReload + ', reconnecting');
                    ws.close();
                    setTimeout(connect, 100);
                }
            };

            ws.onclose = function () {
                ws = null;
                addLine('Connection closed');
                setStatus('Disconnected', false);
            };
        }

        function toggleConnection() {
            if (ws) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({text: text}));
                addLine('you: ' + text, 'blue');
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function (e) {
            if (e.key === 'Enter') sendMessage();
        });
    </script>
</body>
</html>`
