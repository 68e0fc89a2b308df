package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/photobeam-sensor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"state":    status.StateLabel,
	"maskBits": status.MaskBits,
	"lower": func(s string) string {
		switch s {
		case "BLOCKED":
			return "blocked"
		case "CLEAR":
			return "clear"
		}
		return "unknown"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Photobeam Sensor</title>
<style>
body { font-family: monospace; max-width: 760px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.blocked { color: red; font-weight: bold; }
.clear { color: green; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Photobeam Sensor{{if .Live}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>Beams</h2>
<table>
<tr><th>#</th><th>Name</th><th>State</th><th>Reading</th><th>Threshold</th><th>Min</th><th>Max</th><th>Min range</th></tr>
{{range .Beams}}<tr>
<td>{{.Index}}</td>
<td>{{.Name}}</td>
<td id="beam-{{.Index}}-state" class="{{lower (state .)}}">{{state .}}</td>
<td id="beam-{{.Index}}-reading">{{.Reading}}</td>
<td id="beam-{{.Index}}-threshold">{{.Threshold}}{{if not .AutoThreshold}} (fixed){{end}}</td>
<td>{{.History.Min}}</td>
<td>{{.History.Max}}</td>
<td>{{.MinRange}}</td>
</tr>
{{else}}<tr><td colspan="8">no beams configured</td></tr>
{{end}}</table>
<table>
<tr><th>Mask</th><td id="mask">{{maskBits .Mask (len .Beams)}}</td></tr>
<tr><th>Ready</th><td>{{if .Baselined}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Config.Serial}}<tr><th>Bridge</th><td>{{.Config.Serial}}</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Blocked</th><td>{{.Counts.Blocked}}</td></tr>
<tr><th>Cleared</th><td>{{.Counts.Cleared}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
{{if .BootID}}<tr><th>Boot ID</th><td>{{.BootID}}</td></tr>{{end}}
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
{{if .Live}}
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var width = {{len .Beams}};

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function setBeam(index, state, reading, threshold) {
    var el = document.getElementById("beam-" + index + "-state");
    if (el) {
      el.textContent = state;
      el.className = state === "BLOCKED" ? "blocked" : state === "CLEAR" ? "clear" : "unknown";
    }
    el = document.getElementById("beam-" + index + "-reading");
    if (el) { el.textContent = reading; }
    el = document.getElementById("beam-" + index + "-threshold");
    if (el && threshold !== undefined) { el.textContent = threshold; }
  }

  function setMask(mask) {
    var bits = (mask >>> 0).toString(2);
    while (bits.length < width) { bits = "0" + bits; }
    document.getElementById("mask").textContent = bits.slice(-width);
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");

    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(m) {
      try {
        var msg = JSON.parse(m.data);
        if (msg.type === "event") {
          setBeam(msg.data.index, msg.data.state, msg.data.reading, msg.data.threshold);
          setMask(msg.data.mask);
        } else if (msg.type === "status") {
          msg.data.status.beams.forEach(function(b) {
            setBeam(b.index, b.state, b.reading, b.threshold);
          });
          setMask(msg.data.status.mask);
        }
      } catch (e) {}
    };
  }
  connect();
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, live bool) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Live   bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Live:     live,
	}
	indexTmpl.Execute(w, data)
}
