package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>pgdog Dashboard</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--bg-card-hover:#1c2129;
  --border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;--text-dim:#484f58;
  --primary:#58a6ff;--primary-hover:#79b8ff;
  --green:#3fb950;--red:#f85149;--orange:#db6d28;
  --radius:8px;--radius-sm:4px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
button{cursor:pointer;font-family:inherit;font-size:inherit}
.container{max-width:1200px;margin:0 auto;padding:0 24px 48px}
header{background:var(--bg-card);border-bottom:1px solid var(--border);padding:12px 24px;position:sticky;top:0;z-index:100}
.header-inner{max-width:1200px;margin:0 auto;display:flex;align-items:center;gap:16px}
.header-title{font-size:20px;font-weight:700}
.header-badges{margin-left:auto;display:flex;gap:8px}
.badge{display:inline-flex;align-items:center;gap:4px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.summary{display:grid;grid-template-columns:repeat(3,1fr);gap:16px;margin:24px 0}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:20px}
.card-label{font-size:12px;text-transform:uppercase;letter-spacing:.5px;color:var(--text-muted);margin-bottom:4px}
.card-value{font-size:32px;font-weight:700;line-height:1.2}
.table-wrap{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:auto;margin-bottom:24px}
table{width:100%;border-collapse:collapse;font-size:14px}
thead{background:var(--bg-card)}
th{text-align:left;padding:12px 16px;font-weight:600;color:var(--text-muted);border-bottom:1px solid var(--border);white-space:nowrap;font-size:12px;text-transform:uppercase;letter-spacing:.5px}
td{padding:10px 16px;border-bottom:1px solid var(--border);white-space:nowrap}
tbody tr:last-child td{border-bottom:none}
.health-badge{display:inline-flex;align-items:center;gap:5px;padding:2px 8px;border-radius:12px;font-size:12px;font-weight:600}
.health-healthy{color:var(--green);background:rgba(63,185,80,.12)}
.health-unhealthy{color:var(--red);background:rgba(248,81,73,.12)}
.paused-tag{display:inline-flex;padding:2px 8px;border-radius:12px;font-size:11px;font-weight:600;color:var(--orange);background:rgba(219,109,40,.12);margin-left:6px}
.btn{display:inline-flex;align-items:center;gap:6px;padding:4px 10px;border-radius:var(--radius-sm);font-size:12px;font-weight:500;border:1px solid var(--border);background:var(--bg-card);color:var(--text)}
.btn:hover{background:var(--bg-card-hover)}
.actions-cell{display:flex;gap:4px}
.section-title{font-size:16px;font-weight:600;margin:24px 0 12px}
.empty-state{text-align:center;padding:60px 20px;color:var(--text-muted)}
</style>
</head>
<body>
<header>
  <div class="header-inner">
    <div class="header-title">pgdog admin</div>
    <div class="header-badges" id="healthBadge"></div>
  </div>
</header>
<div class="container">
  <div class="summary" id="summaryCards"></div>
  <div class="section-title">Databases</div>
  <div class="table-wrap">
    <table>
      <thead><tr><th>User</th><th>Database</th><th>Shards</th><th>Status</th><th>Actions</th></tr></thead>
      <tbody id="dbRows"></tbody>
    </table>
  </div>
  <div id="shardDetail"></div>
</div>
<script>
function apiFetch(path, opts) {
  opts = opts || {};
  return fetch(path, opts).then(function(resp) {
    if (!resp.ok) { return resp.json().then(function(e) { throw new Error(e.detail || e.title || resp.statusText); }); }
    return resp.json();
  });
}

function renderSummary(dbs, health) {
  var shardCount = 0, poolCount = 0;
  dbs.forEach(function(d) {
    shardCount += d.shards.length;
    d.shards.forEach(function(sh) { poolCount += 1 + sh.replicas.length; });
  });
  document.getElementById('summaryCards').innerHTML =
    '<div class="card"><div class="card-label">Databases</div><div class="card-value">' + dbs.length + '</div></div>' +
    '<div class="card"><div class="card-label">Shards</div><div class="card-value">' + shardCount + '</div></div>' +
    '<div class="card"><div class="card-label">Pools</div><div class="card-value">' + poolCount + '</div></div>';
  var badge = health.status === 'healthy'
    ? '<span class="badge badge-healthy">healthy</span>'
    : '<span class="badge badge-unhealthy">degraded</span>';
  document.getElementById('healthBadge').innerHTML = badge;
}

function poolLabel(p) {
  return p.host + ':' + p.port + ' (' + p.role + ', ' + p.stats.CheckedOut + '/' + p.stats.Total + ' active, ' +
    (p.healthy ? 'healthy' : 'unhealthy') + ')';
}

function renderDatabases(dbs) {
  var rows = dbs.map(function(d) {
    var pausedTag = d.paused ? '<span class="paused-tag">paused</span>' : '';
    var action = d.paused
      ? '<button class="btn" onclick="resumeDb(\'' + d.user + '\',\'' + d.database + '\')">Resume</button>'
      : '<button class="btn" onclick="pauseDb(\'' + d.user + '\',\'' + d.database + '\')">Pause</button>';
    return '<tr><td>' + d.user + '</td><td>' + d.database + pausedTag + '</td><td>' + d.shards.length +
      '</td><td>' + (d.paused ? 'paused' : 'active') + '</td><td class="actions-cell">' + action + '</td></tr>';
  });
  document.getElementById('dbRows').innerHTML = rows.length ? rows.join('') :
    '<tr><td colspan="5"><div class="empty-state">No databases registered</div></td></tr>';

  var detail = dbs.map(function(d) {
    var shardRows = d.shards.map(function(sh) {
      var pools = [poolLabel(sh.primary)].concat(sh.replicas.map(poolLabel));
      return '<div><strong>Shard ' + sh.index + '</strong>: ' + pools.join(' | ') + '</div>';
    }).join('');
    return '<div class="card" style="margin-bottom:12px"><strong>' + d.user + '/' + d.database + '</strong>' + shardRows + '</div>';
  });
  document.getElementById('shardDetail').innerHTML = detail.join('');
}

function pauseDb(user, db) {
  apiFetch('/databases/' + encodeURIComponent(user) + '/' + encodeURIComponent(db) + '/pause', { method: 'POST' }).then(refresh);
}
function resumeDb(user, db) {
  apiFetch('/databases/' + encodeURIComponent(user) + '/' + encodeURIComponent(db) + '/resume', { method: 'POST' }).then(refresh);
}

function refresh() {
  Promise.all([apiFetch('/databases'), apiFetch('/health')]).then(function(results) {
    renderSummary(results[0], results[1]);
    renderDatabases(results[0]);
  }).catch(function(err) {
    document.getElementById('dbRows').innerHTML = '<tr><td colspan="5"><div class="empty-state">' + err.message + '</div></td></tr>';
  });
}

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>`
