package frontend

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/troupe/internal/character"
	"github.com/nugget/troupe/internal/plugin"
)

//go:embed templates/*.html
var templateFiles embed.FS

var templateFuncs = template.FuncMap{
	"join": strings.Join,
}

// loadTemplates panics on a syntax error so startup fails fast.
func loadTemplates() *template.Template {
	return template.Must(
		template.New("profile.html").Funcs(templateFuncs).ParseFS(templateFiles, "templates/*.html"),
	)
}

type profileData struct {
	ID       string
	Name     string
	Username string
	Provider string
	Bio      template.HTML
	Lore     template.HTML
	Topics   []string
	Clients  []string
	Plugins  []string
	Wallet   string
}

// renderMarkdown converts character text to HTML. goldmark escapes raw
// HTML unless told otherwise, so the result is safe to embed.
func renderMarkdown(lines []string) (template.HTML, error) {
	if len(lines) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(strings.Join(lines, "\n\n")), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "agent not found")
		return
	}
	c := rt.Character()

	bio, err := renderMarkdown(c.Bio)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "render bio: "+err.Error())
		return
	}
	lore, err := renderMarkdown(c.Lore)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "render lore: "+err.Error())
		return
	}

	data := profileData{
		ID:       rt.AgentID().String(),
		Name:     c.Name,
		Username: c.Username,
		Provider: c.ModelProvider,
		Bio:      bio,
		Lore:     lore,
		Topics:   c.Topics,
		Clients:  rt.ClientNames(),
		Plugins:  rt.PluginNames(),
		Wallet:   c.Secret(character.SecretWalletPublicKey),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "profile.html", data); err != nil {
		s.logger.Error("template render failed", "template", "profile.html", "error", err)
	}
}

func (s *Server) handleWalletQR(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "agent not found")
		return
	}
	key := rt.Character().Secret(character.SecretWalletPublicKey)
	if key == "" {
		s.errorResponse(w, http.StatusNotFound, "agent has no wallet")
		return
	}
	png, err := plugin.QRCode(key)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "encode QR code: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write QR code", "error", err)
	}
}
