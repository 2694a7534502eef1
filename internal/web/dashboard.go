package web

import "net/http"

// DashboardHandler serves a single page that follows the /ws feed.
func DashboardHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(dashboardHTML))
	})
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>AutoAlign</title>
    <style>
        :root { --bg: #0f172a; --card: #1e293b; --text: #f8fafc; --muted: #cbd5e1; --accent: #3b82f6; --ok: #10b981; --err: #ef4444; --border: #475569; }
        body { font-family: sans-serif; background: var(--bg); color: var(--text); margin: 0; }
        header { background: var(--card); padding: 1rem 2rem; border-bottom: 1px solid var(--border); display: flex; justify-content: space-between; }
        main { padding: 2rem; }
        table { width: 100%; border-collapse: collapse; }
        th, td { text-align: right; padding: 0.4rem; border-bottom: 1px solid var(--border); font-family: monospace; }
        th:first-child, td:first-child { text-align: left; }
        .ok { color: var(--ok); } .err { color: var(--err); } .muted { color: var(--muted); }
    </style>
</head>
<body>
    <header><strong>AutoAlign</strong><span id="status" class="muted">Connecting...</span></header>
    <main>
        <p id="session" class="muted">Waiting for a session.</p>
        <table>
            <thead><tr><th>Iteration</th><th>Stars</th><th>X</th><th>Y</th><th>Z</th><th>U</th><th>V</th></tr></thead>
            <tbody id="steps"></tbody>
        </table>
        <p id="result"></p>
    </main>
    <script>
        const fmt = v => Number(v).toFixed(4);
        function connect() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            const ws = new WebSocket(proto + '//' + location.host + '/ws');
            ws.onopen = () => { document.getElementById('status').textContent = 'Connected'; };
            ws.onclose = () => { document.getElementById('status').textContent = 'Disconnected'; setTimeout(connect, 3000); };
            ws.onmessage = ev => {
                const u = JSON.parse(ev.data);
                if (u.type === 'started') {
                    document.getElementById('session').textContent = 'Session ' + u.session;
                    document.getElementById('steps').innerHTML = '';
                    document.getElementById('result').textContent = '';
                } else if (u.type === 'step') {
                    const s = u.step, p = s.position;
                    const row = document.createElement('tr');
                    row.innerHTML = '<td>' + s.iteration + '</td><td>' + (s.stars || []).length + '</td><td>' +
                        [p.x, p.y, p.z, p.u, p.v].map(fmt).join('</td><td>') + '</td>';
                    document.getElementById('steps').appendChild(row);
                } else if (u.type === 'finished') {
                    const el = document.getElementById('result');
                    if (u.error) { el.className = 'err'; el.textContent = u.failure + ': ' + u.error; }
                    else { el.className = 'ok'; el.textContent = 'Best focus position found at ' + u.position.z + '.'; }
                }
            };
        }
        connect();
    </script>
</body>
</html>`
