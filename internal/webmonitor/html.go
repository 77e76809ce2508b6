package webmonitor

import (
	"html"
	"strings"
)

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>{{TITLE}}</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">🚦 {{TITLE}}</div>
            <span class="badge" id="status-badge">Waiting for data...</span>
        </div>

        <div class="grid">
            <div class="panel wide">
                <h2>Overlay</h2>
                <p class="panel-subtitle" id="time-label">--:-- / --:--</p>
                <div class="overlay-frame">
                    <img id="stream" src="/stream" alt="Detection overlay">
                </div>
                <div class="controls" id="playback-controls">
                    <button type="button" id="btn-play" class="btn">▶ Play</button>
                    <button type="button" id="btn-pause" class="btn">⏸ Pause</button>
                    <input type="range" id="seek" min="0" max="100" step="0.1" value="0">
                    <select id="rate">
                        <option value="0.5">0.5×</option>
                        <option value="1" selected>1×</option>
                        <option value="2">2×</option>
                    </select>
                </div>
                <div class="progress" id="progress-wrap">
                    <div class="progress-bar" id="progress-bar" style="width:0%"></div>
                    <span class="progress-text" id="progress-text">0%</span>
                </div>
            </div>

            <div class="panel">
                <h2>Vehicles</h2>
                <p class="panel-subtitle">Current frame / cumulative</p>
                <div class="stat-list" id="vehicle-stats"></div>
                <div class="stat-grid">
                    <div class="stat">
                        <span class="stat-label">Total</span>
                        <span class="stat-value" id="total">0</span>
                    </div>
                    <div class="stat">
                        <span class="stat-label">Processing FPS</span>
                        <span class="stat-value" id="fps">0</span>
                    </div>
                    <div class="stat">
                        <span class="stat-label">Detection Rate</span>
                        <span class="stat-value" id="detection-rate">0%</span>
                    </div>
                </div>
            </div>

            <div class="panel">
                <h2>Recording</h2>
                <p class="panel-subtitle">Overlay frames to .mjpeg</p>
                <button id="record-btn" class="btn btn-primary">⏺ Record</button>
                <div id="record-info" class="record-info"></div>
            </div>

            <div class="panel">
                <h2>Activity</h2>
                <div class="log" id="activity-log"></div>
                <p class="results-link" id="results-link"><a href="/charts">View results</a></p>
            </div>
        </div>
    </div>

    <script src="/assets/monitor.js" defer></script>
</body>
</html>
`

func renderIndex(title string) string {
	return strings.ReplaceAll(indexHTML, "{{TITLE}}", html.EscapeString(title))
}
