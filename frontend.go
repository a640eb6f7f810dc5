package main

func getEmbeddedHTML() string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
	<title>survcam</title>

	<style>
		* {
			margin: 0;
			padding: 0;
			box-sizing: border-box;
		}

		body {
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
			background: #0f1419;
			color: #e0e0e0;
			min-height: 100vh;
			padding: 20px;
		}

		.container {
			max-width: 900px;
			margin: 0 auto;
		}

		header {
			display: flex;
			justify-content: space-between;
			align-items: center;
			margin-bottom: 24px;
			padding-bottom: 16px;
			border-bottom: 1px solid #333;
		}

		.mode {
			font-size: 22px;
			font-weight: bold;
		}

		.mode.STREAMING { color: #4caf50; }
		.mode.RECORDING { color: #f44336; }

		.stats {
			font-size: 13px;
			color: #888;
		}

		.controls {
			display: flex;
			gap: 10px;
			margin-bottom: 20px;
		}

		button {
			background: #1f6feb;
			color: white;
			border: none;
			padding: 10px 20px;
			border-radius: 6px;
			cursor: pointer;
			font-size: 15px;
		}

		button.stop { background: #d73a49; }
		button:hover { opacity: 0.9; }

		.viewer {
			background: #1a1f26;
			border-radius: 8px;
			min-height: 240px;
			display: flex;
			align-items: center;
			justify-content: center;
			margin-bottom: 20px;
		}

		.viewer img {
			max-width: 100%;
			border-radius: 8px;
		}

		.message {
			min-height: 20px;
			margin-bottom: 12px;
			color: #f0b429;
		}

		table {
			width: 100%;
			border-collapse: collapse;
			font-size: 14px;
		}

		td, th {
			text-align: left;
			padding: 6px 8px;
			border-bottom: 1px solid #2a2f36;
		}

		a { color: #58a6ff; }
	</style>
</head>
<body>
	<div class="container">
		<header>
			<div>
				<div class="mode" id="mode">IDLE</div>
				<div class="stats">
					FPS <span id="fps">0.0</span> |
					Free memory <span id="heap">0</span> MB |
					Storage free <span id="storage">0.00</span> GB
				</div>
			</div>
		</header>

		<div class="controls">
			<button onclick="command('/stream/start')">Start Stream</button>
			<button onclick="command('/recording/start')">Start Recording</button>
			<button class="stop" onclick="command('/stop')">Stop</button>
		</div>

		<div class="message" id="message"></div>

		<div class="viewer">
			<img id="frame" style="display: none;" alt="live frame">
			<span id="placeholder">Start the stream to see the camera</span>
		</div>

		<h3>Recordings</h3>
		<table>
			<thead><tr><th>Name</th><th>Size</th><th>Modified</th><th></th></tr></thead>
			<tbody id="recordings"></tbody>
		</table>
	</div>

	<script>
		const frame = document.getElementById('frame');
		const placeholder = document.getElementById('placeholder');
		let mode = 'IDLE';
		let polling = false;

		function command(path) {
			fetch(path, { method: 'POST' })
				.then(r => r.text().then(t => ({ ok: r.ok, text: t })))
				.then(({ ok, text }) => {
					document.getElementById('message').textContent = ok ? '' : text;
					updateStats();
					loadRecordings();
				});
		}

		function updateStats() {
			fetch('/stats')
				.then(r => r.json())
				.then(data => {
					mode = data.mode;
					const el = document.getElementById('mode');
					el.textContent = data.mode;
					el.className = 'mode ' + data.mode;
					document.getElementById('fps').textContent = data.fps.toFixed(1);
					document.getElementById('heap').textContent = (data.heap_free / 1048576).toFixed(0);
					document.getElementById('storage').textContent = data.storage_free_gb.toFixed(2);

					if (mode === 'STREAMING' && !polling) {
						polling = true;
						frame.style.display = 'block';
						placeholder.style.display = 'none';
						loadFrame();
					} else if (mode !== 'STREAMING') {
						frame.style.display = 'none';
						placeholder.style.display = 'block';
					}
				});
		}

		function loadFrame() {
			if (mode !== 'STREAMING') {
				polling = false;
				return;
			}
			const img = new Image();
			img.onload = () => {
				frame.src = img.src;
				setTimeout(loadFrame, 20);
			};
			img.onerror = () => setTimeout(loadFrame, 100);
			img.src = '/frame?t=' + Date.now();
		}

		function loadRecordings() {
			fetch('/recordings')
				.then(r => r.json())
				.then(data => {
					const rows = data.recordings.slice().reverse().map(rec => {
						const size = (rec.size / 1048576).toFixed(1) + ' MB';
						const link = rec.open
							? '<a href="/recordings/' + rec.name + '/frame" target="_blank">preview</a> (recording)'
							: '<a href="/recordings/' + rec.name + '">download</a>';
						return '<tr><td>' + rec.name + '</td><td>' + size + '</td><td>' +
							new Date(rec.mod_time).toLocaleString() + '</td><td>' + link + '</td></tr>';
					});
					document.getElementById('recordings').innerHTML = rows.join('');
				});
		}

		updateStats();
		loadRecordings();
		setInterval(updateStats, 2000);
		setInterval(loadRecordings, 10000);
	</script>
</body>
</html>
`
}
