package report

const pageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; width: 100%; margin-top: 1em; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; vertical-align: top; }
th { background: #f0f0f0; }
tr.failed td { background: #fdecea; }
.stats td:first-child { font-weight: bold; }
pre { margin: 0; white-space: pre-wrap; font-size: 0.85em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>Run {{.RunID}}, generated {{.Generated}}</p>

<h2>Statistics</h2>
<table class="stats">
<tr><td>Total</td><td>{{.Stats.Total}}</td></tr>
<tr><td>Succeeded</td><td>{{.Stats.Succeeded}}</td></tr>
<tr><td>Failed</td><td>{{.Stats.Failed}}</td></tr>
<tr><td>Skipped</td><td>{{.Stats.Skipped}}</td></tr>
<tr><td>Total size</td><td>{{.Stats.SizeLabel}}</td></tr>
<tr><td>Total transfer time</td><td>{{.Stats.TotalTime}}</td></tr>
<tr><td>Success rate</td><td>{{pct .Stats.SuccessRate}}</td></tr>
</table>

{{if .Failures}}
<h2>Failures by category</h2>
<table>
<tr><th>Category</th><th>Count</th></tr>
{{range .Failures}}<tr><td>{{.Category}}</td><td>{{.Count}}</td></tr>
{{end}}</table>
{{end}}

{{if .Phases}}
<h2>Phases</h2>
<table>
<tr><th>Phase</th><th>Duration</th><th>Listed</th><th>Downloaded</th><th>Uploaded</th><th>Failed</th><th>Skipped</th><th>Size</th><th>Retry file</th><th>Error</th></tr>
{{range .Phases}}<tr><td>{{.Phase}}</td><td>{{.Duration}}</td><td>{{.Listed}}</td><td>{{.Downloaded}}</td><td>{{.Uploaded}}</td><td>{{.Failed}}</td><td>{{.Skipped}}</td><td>{{.Size}}</td><td>{{.RetryFile}}</td><td>{{.Error}}</td></tr>
{{end}}</table>
{{end}}

<h2>Files</h2>
<p>
<input id="filter" type="search" placeholder="Filter by name, path or message" size="40">
<select id="status">
<option value="">all</option>
<option value="success">success</option>
<option value="failed">failed</option>
</select>
<span id="shown"></span>
</p>
<table id="files">
<thead>
<tr><th>File</th><th>Category</th><th>Relative path</th><th>Direction</th><th>Status</th><th>Size</th><th>Duration</th><th>Failure</th><th>Message</th></tr>
</thead>
<tbody>
{{range .Rows}}<tr class="{{.Status}}" data-status="{{.Status}}"><td>{{.FileName}}</td><td>{{.Category}}</td><td>{{.RelativePath}}</td><td>{{.Direction}}</td><td>{{.Status}}</td><td>{{.Size}}</td><td>{{.Duration}}</td><td>{{.Failure}}</td><td><pre>{{.Message}}</pre></td></tr>
{{end}}</tbody>
</table>

<script>
(function () {
  var filter = document.getElementById("filter");
  var status = document.getElementById("status");
  var shown = document.getElementById("shown");
  var rows = document.querySelectorAll("#files tbody tr");
  function apply() {
    var q = filter.value.toLowerCase();
    var s = status.value;
    var n = 0;
    rows.forEach(function (r) {
      var ok = (!s || r.dataset.status === s) && (!q || r.textContent.toLowerCase().indexOf(q) >= 0);
      r.style.display = ok ? "" : "none";
      if (ok) { n++; }
    });
    shown.textContent = n + " of " + rows.length + " shown";
  }
  filter.addEventListener("input", apply);
  status.addEventListener("change", apply);
  apply();
})();
</script>
</body>
</html>
`
