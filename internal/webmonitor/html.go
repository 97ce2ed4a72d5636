package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Zone Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; padding: 16px; font-family: Arial, sans-serif; background: #1e1e1e; color: #eee; }
        h1 { margin: 0 0 12px; font-size: 20px; }
        .grid { display: grid; grid-template-columns: minmax(0, 3fr) minmax(220px, 1fr); gap: 16px; }
        .panel { background: #2a2a2a; border-radius: 6px; padding: 12px; }
        .view { position: relative; }
        .view img { width: 100%; display: block; cursor: crosshair; border: 2px solid #333; }
        .view canvas { position: absolute; top: 0; left: 0; pointer-events: none; }
        .button { background: #4CAF50; color: white; padding: 8px 14px; border: none; border-radius: 4px; cursor: pointer; margin: 4px 4px 0 0; }
        .button.secondary { background: #555; }
        .button.danger { background: #c0392b; }
        .badge { display: inline-block; padding: 2px 8px; border-radius: 10px; background: #555; font-size: 12px; }
        .badge.connected { background: #27ae60; }
        .badge.failed { background: #c0392b; }
        table { width: 100%; border-collapse: collapse; font-size: 14px; }
        td { padding: 3px 0; }
        td.num { text-align: right; }
        .normal { color: #8f8; } .warning { color: #ffa500; } .critical { color: #f55; }
        pre { white-space: pre-wrap; font-size: 12px; }
    </style>
</head>
<body>
    <h1>Zone Monitor <span class="badge" id="stream-state">waiting</span></h1>
    <div class="grid">
        <div class="panel">
            <div class="view">
                <img id="feed" src="/video_feed" alt="live feed">
                <canvas id="draw"></canvas>
            </div>
            <div>
                <button class="button" onclick="submitZone()">Set zone</button>
                <button class="button secondary" onclick="resetPoints()">Reset points</button>
                <button class="button danger" onclick="clearZone()">Clear zone</button>
                <span id="hint">Click on the video to add zone points (at least 3).</span>
            </div>
        </div>
        <div>
            <div class="panel">
                <h3>Zone entries</h3>
                <table id="counts"><tr><td>No entries yet</td></tr></table>
                <button class="button secondary" onclick="resetCounts()">Reset counts</button>
            </div>
            <div class="panel" style="margin-top:16px;">
                <h3>Regions</h3>
                <table id="regions"><tr><td>-</td></tr></table>
            </div>
            <div class="panel" style="margin-top:16px;">
                <h3>Reference labels</h3>
                <button class="button secondary" onclick="labelsInfo()">Info</button>
                <button class="button secondary" onclick="reloadLabels()">Reload</button>
                <pre id="labels"></pre>
            </div>
        </div>
    </div>
    <script>
    const feed = document.getElementById('feed');
    const canvas = document.getElementById('draw');
    const ctx = canvas.getContext('2d');
    let pts = [];

    function fitCanvas() {
        canvas.width = feed.clientWidth;
        canvas.height = feed.clientHeight;
        redraw();
    }
    feed.onload = fitCanvas;
    window.addEventListener('resize', fitCanvas);

    function toScreen(p) {
        return [p[0] * feed.clientWidth / feed.naturalWidth, p[1] * feed.clientHeight / feed.naturalHeight];
    }

    function redraw() {
        ctx.clearRect(0, 0, canvas.width, canvas.height);
        if (pts.length > 1) {
            ctx.strokeStyle = '#0f0';
            ctx.lineWidth = 2;
            ctx.beginPath();
            const first = toScreen(pts[0]);
            ctx.moveTo(first[0], first[1]);
            pts.slice(1).forEach(p => { const s = toScreen(p); ctx.lineTo(s[0], s[1]); });
            ctx.closePath();
            ctx.stroke();
        }
        ctx.fillStyle = '#f00';
        pts.forEach(p => { const s = toScreen(p); ctx.fillRect(s[0] - 3, s[1] - 3, 6, 6); });
    }

    feed.onclick = e => {
        const r = feed.getBoundingClientRect();
        pts.push([Math.round((e.clientX - r.left) * feed.naturalWidth / r.width),
                  Math.round((e.clientY - r.top) * feed.naturalHeight / r.height)]);
        if (canvas.width !== feed.clientWidth) fitCanvas(); else redraw();
    };

    async function submitZone() {
        if (pts.length < 3) { alert('At least 3 points are required'); return; }
        const resp = await fetch('/set_zone', {
            method: 'POST',
            headers: {'Content-Type': 'application/json'},
            body: JSON.stringify({points: pts})
        });
        const body = await resp.json();
        if (!resp.ok) { alert(body.error || 'Failed to set zone'); return; }
        resetPoints();
    }

    function resetPoints() { pts = []; redraw(); }

    async function clearZone() {
        await fetch('/set_zone', {method: 'DELETE'});
        resetPoints();
    }

    async function resetCounts() {
        await fetch('/api/counts/reset', {method: 'POST'});
        renderCounts({});
    }

    async function labelsInfo() {
        const resp = await fetch('/labels/info');
        document.getElementById('labels').textContent = JSON.stringify(await resp.json(), null, 2);
    }

    async function reloadLabels() {
        const resp = await fetch('/labels/reload', {method: 'POST'});
        const body = await resp.json();
        document.getElementById('labels').textContent = body.message;
    }

    function renderCounts(counts) {
        const rows = Object.keys(counts).sort().map(k =>
            '<tr><td>' + k + '</td><td class="num">' + counts[k] + '</td></tr>');
        document.getElementById('counts').innerHTML = rows.join('') || '<tr><td>No entries yet</td></tr>';
    }

    function renderRegions(regions) {
        const rows = (regions || []).map(r =>
            '<tr class="' + r.severity + '"><td>' + r.class_name + ' &rarr; ' + (r.matched_name || 'none') +
            '</td><td class="num">' + (r.overstep_ratio * 100).toFixed(1) + '%</td></tr>');
        document.getElementById('regions').innerHTML = rows.join('') || '<tr><td>-</td></tr>';
    }

    const results = new EventSource('/api/results/stream');
    results.onmessage = e => {
        const ev = JSON.parse(e.data);
        renderCounts(ev.counts || {});
        renderRegions(ev.regions);
    };

    const status = new EventSource('/api/status/stream');
    status.onmessage = e => {
        const st = JSON.parse(e.data);
        const badge = document.getElementById('stream-state');
        badge.textContent = st.stream.state || 'unknown';
        badge.className = 'badge ' + (st.stream.state || '');
    };
    </script>
</body>
</html>
`
