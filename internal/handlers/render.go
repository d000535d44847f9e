package handlers

import (
	"embed"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/ytakahashi/firebase-todo-web/internal/views"
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer renders the embedded HTML templates for echo.
type Renderer struct {
	templates *template.Template
}

func NewRenderer() (*Renderer, error) {
	t, err := template.New("").Funcs(template.FuncMap{
		"dueDate":       formatDueDate,
		"join":          strings.Join,
		"providerLabel": views.ProviderLabel,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{templates: t}, nil
}

func (r *Renderer) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	return r.templates.ExecuteTemplate(w, name, data)
}

func formatDueDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("Jan 2")
}
