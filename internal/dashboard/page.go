package dashboard

import "net/http"

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Loomwork Dashboard</title>
<style>
  :root {
    --bg: #0d1117;
    --surface: #161b22;
    --border: #30363d;
    --text: #e6edf3;
    --text-dim: #8b949e;
    --accent: #58a6ff;
    --green: #3fb950;
    --yellow: #d29922;
    --red: #f85149;
    --purple: #bc8cff;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Helvetica, Arial, sans-serif;
    background: var(--bg);
    color: var(--text);
    font-size: 14px;
    line-height: 1.5;
    padding: 16px;
  }
  h1 { font-size: 18px; margin-bottom: 12px; }
  h2 { font-size: 14px; color: var(--text-dim); margin: 16px 0 8px; }
  table { width: 100%; border-collapse: collapse; background: var(--surface); }
  th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid var(--border); }
  th { color: var(--text-dim); font-weight: 500; }
  tr:hover { cursor: pointer; background: #1c2129; }
  .phase-planning { color: var(--accent); }
  .phase-implementing { color: var(--yellow); }
  .phase-verifying { color: var(--purple); }
  .phase-complete { color: var(--green); }
  .phase-failed { color: var(--red); }
  .phase-paused { color: var(--text-dim); }
  #log {
    background: var(--surface);
    border: 1px solid var(--border);
    padding: 8px 10px;
    height: 280px;
    overflow-y: auto;
    font-family: ui-monospace, monospace;
    font-size: 12px;
    white-space: pre-wrap;
  }
</style>
</head>
<body>
<h1>Loomwork</h1>
<h2>Workflows</h2>
<table id="workflows">
  <thead><tr><th>Name</th><th>Phase</th><th>Features</th><th>Iterations</th><th>Cost</th><th>Age</th></tr></thead>
  <tbody></tbody>
</table>
<h2>Event stream</h2>
<div id="log">select a workflow to stream its events</div>
<script>
let source = null;

async function refresh() {
  const res = await fetch('/api/workflows');
  const rows = await res.json();
  const body = document.querySelector('#workflows tbody');
  body.innerHTML = '';
  for (const wf of rows) {
    const tr = document.createElement('tr');
    tr.innerHTML =
      '<td>' + wf.name + '</td>' +
      '<td class="phase-' + wf.phase + '">' + wf.phase + '</td>' +
      '<td>' + wf.features_done + '/' + wf.features + '</td>' +
      '<td>' + wf.iteration_count + '/' + wf.max_iterations + '</td>' +
      '<td>$' + wf.accumulated_cost.toFixed(2) + '</td>' +
      '<td>' + wf.age + '</td>';
    tr.onclick = () => stream(wf.id, wf.name);
    body.appendChild(tr);
  }
}

function stream(id, name) {
  if (source) source.close();
  const log = document.getElementById('log');
  log.textContent = 'streaming ' + name + '\n';
  source = new EventSource('/api/stream?workflow=' + id);
  source.onmessage = (e) => append(log, e.data);
  source.addEventListener('bye', () => { log.textContent += '(stream closed)\n'; source.close(); });
  source.onerror = () => { log.textContent += '(stream error)\n'; source.close(); };
}

function append(log, data) {
  const ev = JSON.parse(data);
  log.textContent += '#' + ev.seq + ' ' + ev.type + '\n';
  log.scrollTop = log.scrollHeight;
}

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
