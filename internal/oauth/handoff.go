package oauth

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/edgebridge/proxy/internal/credential"
)

// handoffPage returns the token to the locally installed app via its custom
// URL scheme. The meta refresh and the script are redundant on purpose:
// whichever the browser honours first wins, and the fallback link appears
// after two seconds for browsers that block both.
const handoffPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="0;url={{.Target}}">
<title>Authorization complete</title>
<style>
  body { font-family: -apple-system, system-ui, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
  h1 { font-size: 1.3rem; }
  #fallback { display: none; margin-top: 1.5rem; color: #555; }
</style>
</head>
<body>
<h1>Connected to {{.WorkspaceName}}</h1>
<p>Handing the credential to your local worker&hellip;</p>
<div id="fallback">
  <p>Nothing happened? <a href="{{.Target}}">Open the app manually</a> or
  <a href="/oauth/authorize">restart authorization</a>.</p>
</div>
<script>
  window.location.href = "{{.Target}}";
  setTimeout(function () {
    document.getElementById("fallback").style.display = "block";
  }, 2000);
</script>
</body>
</html>
`

var handoffTemplate = template.Must(template.New("handoff").Parse(handoffPage))

type handoffData struct {
	Target        template.URL
	WorkspaceName string
}

// completeHandoff is the terminal step of a successful callback. CLI flows
// carry a callback parameter in the stored redirect URI and get a 302; the
// browser flow gets the custom-scheme page.
func (c *Coordinator) completeHandoff(w http.ResponseWriter, r *http.Request, auth *AuthState, cred *credential.Credential, ws *credential.Workspace) {
	if target, ok := callbackTarget(auth.RedirectURI); ok {
		u, err := url.Parse(target)
		if err != nil {
			http.Error(w, "Invalid callback URL", http.StatusBadRequest)
			return
		}
		q := u.Query()
		q.Set("token", cred.AccessToken)
		q.Set("workspaceId", ws.ID)
		q.Set("workspaceName", ws.Name)
		u.RawQuery = q.Encode()

		slog.Info("[OAuth] handing off to callback", "workspace", ws.ID, "phase", phaseHandoff)
		http.Redirect(w, r, u.String(), http.StatusFound)
		return
	}

	scheme := url.Values{
		"proxyUrl":      {c.publicURL},
		"linearToken":   {cred.AccessToken},
		"workspaceId":   {ws.ID},
		"workspaceName": {ws.Name},
		"timestamp":     {strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}
	target := "cyrus://callback?" + scheme.Encode()

	slog.Info("[OAuth] handing off to local app", "workspace", ws.ID, "phase", phaseHandoff)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := handoffTemplate.Execute(w, handoffData{Target: template.URL(target), WorkspaceName: ws.Name}); err != nil {
		slog.Warn("[OAuth] handoff page write failed", "error", err)
	}
}

// callbackTarget extracts the caller-supplied final hop from the redirect
// URI stored at authorize time.
func callbackTarget(redirectURI string) (string, bool) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", false
	}
	cb := u.Query().Get("callback")
	return cb, cb != ""
}
