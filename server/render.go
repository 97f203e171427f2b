package main

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	cst "wuyrush.io/listings/constants"
)

//go:embed templates
var templateFS embed.FS

const layoutTemplate = "templates/layout.html"

var funcMap = template.FuncMap{
	"isNumeric":        isNumeric,
	"pathEscape":       url.PathEscape,
	"placeholderThumb": func() string { return cst.PlaceholderThumb },
}

// page is what the layout renders; Data goes to the page's own "content" template
type page struct {
	Title   string
	Admin   bool
	Flashes []string
	Data    interface{}
}

// parseTemplates parses every page under templates/ together with the shared layout, keyed by the page path
// relative to templates/, e.g. "admin/edit.html"
func parseTemplates() (map[string]*template.Template, error) {
	tmpls := map[string]*template.Template{}
	err := fs.WalkDir(templateFS, "templates", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || p == layoutTemplate || path.Ext(p) != ".html" {
			return err
		}
		t, err := template.New(path.Base(p)).Funcs(funcMap).ParseFS(templateFS, layoutTemplate, p)
		if err != nil {
			return fmt.Errorf("error parsing template %s: %w", p, err)
		}
		tmpls[strings.TrimPrefix(p, "templates/")] = t
		return nil
	})
	return tmpls, err
}

// render executes the named page and writes it with status. Pending flash messages are consumed, which
// has to happen before the header is written since it updates the session cookie
func (s *listingsServer) render(w http.ResponseWriter, r *http.Request, name, title string, status int,
	data interface{}, clog *logrus.Entry) {
	tmpl, ok := s.templates[name]
	if !ok {
		clog.WithField("template", name).Error("html template not loaded")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	p := page{
		Title:   title,
		Admin:   s.Gate.IsAdmin(r),
		Flashes: s.Gate.Flashes(w, r),
		Data:    data,
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", p); err != nil {
		clog.WithError(err).WithField("template", name).Error("error executing html template")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		clog.WithError(err).Debug("error sending page to requester")
	}
}

// flashRedirect queues msg for the next rendered page and redirects to target
func (s *listingsServer) flashRedirect(w http.ResponseWriter, r *http.Request, msg, target string,
	clog *logrus.Entry) {
	if err := s.Gate.AddFlash(w, r, msg); err != nil {
		clog.WithError(err).Error("error saving flash message")
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

var priceSeparators = strings.NewReplacer(" ", "", "\u00a0", "", ",", "", ".", "", "_", "")

// isNumeric reports whether a free-text price reads as a plain number once thousands separators are removed
func isNumeric(v string) bool {
	s := priceSeparators.Replace(strings.TrimSpace(v))
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
