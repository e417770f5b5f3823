package channels

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/k3a/html2text"

	"github.com/okian/statuswatch/internal/domain/model"
)

// Message is a rendered notification ready for an adapter.
type Message struct {
	IntentID string
	Subject  string
	Text     string
	HTML     string
	Event    model.ChangeEvent
}

const (
	defaultTextTemplate = `Player: {{.Name}}
Team: {{.Team}}
{{- if .Added}}
Status: {{.New}}
{{- else}}
Previous Status: {{.Old}}
New Status: {{.New}}
{{- end}}
{{- if .Note}}
Reason: {{.Note}}
{{- end}}
`

	defaultHTMLTemplate = `<div class="injury-alert {{.Kind}}">
<h3>{{.Name}}</h3>
<p class="team">{{.Team}}{{if .Rank}} &middot; #{{.Rank}}{{end}}</p>
{{- if .Added}}
<p>Status: <span class="status new">{{.New}}</span></p>
{{- else if .Removed}}
<p><span class="status old">{{.Old}}</span> &rarr; <span class="status active">{{.New}}</span></p>
{{- else}}
<p><span class="status old">{{.Old}}</span> &rarr; <span class="status new">{{.New}}</span></p>
{{- end}}
{{- if .Note}}
<p class="reason">{{.Note}}</p>
{{- end}}
</div>
`
)

// view is the data handed to the templates.
type view struct {
	Name    string
	Team    string
	Rank    int
	Old     string
	New     string
	Note    string
	Kind    string
	Added   bool
	Removed bool
}

// Renderer turns change events into messages.
type Renderer struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

// NewRenderer parses the given templates. An empty html template selects the
// built-in one; an empty text template derives plain text from the HTML.
func NewRenderer(textTmpl, htmlTmpl string) (*Renderer, error) {
	r := &Renderer{}
	if strings.TrimSpace(htmlTmpl) == "" {
		htmlTmpl = defaultHTMLTemplate
	}
	h, err := htmltemplate.New("html").Parse(htmlTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse html template: %w", err)
	}
	r.html = h
	if strings.TrimSpace(textTmpl) != "" {
		t, err := texttemplate.New("text").Parse(textTmpl)
		if err != nil {
			return nil, fmt.Errorf("parse text template: %w", err)
		}
		r.text = t
	}
	return r, nil
}

// DefaultRenderer returns a renderer with the built-in templates.
func DefaultRenderer() *Renderer {
	r, err := NewRenderer(defaultTextTemplate, "")
	if err != nil {
		panic(err)
	}
	return r
}

// Subject returns the one-line headline for ev.
func Subject(ev model.ChangeEvent) string {
	who := ev.Entity.DisplayName()
	if ev.Entity.Team != "" {
		who += " (" + ev.Entity.Team + ")"
	}
	switch {
	case ev.Class == model.ClassNewEntity || ev.PrevStatus == "":
		return fmt.Sprintf("%s added to injury report: %s", who, ev.NewStatus.Label())
	case ev.NewStatus.Nominal():
		return who + " removed from injury report"
	default:
		return fmt.Sprintf("%s status change: %s → %s", who, ev.PrevStatus.Label(), ev.NewStatus.Label())
	}
}

// Render produces the message for ev.
func (r *Renderer) Render(ev model.ChangeEvent) (Message, error) {
	v := view{
		Name: ev.Entity.DisplayName(),
		Team: ev.Entity.Team,
		Rank: ev.Entity.Rank,
		Old:  ev.PrevStatus.Label(),
		New:  ev.NewStatus.Label(),
		Note: ev.NewNote,
	}
	switch {
	case ev.Class == model.ClassNewEntity || ev.PrevStatus == "":
		v.Kind, v.Added = "added", true
	case ev.NewStatus.Nominal():
		v.Kind, v.Removed = "removed", true
	default:
		v.Kind = "changed"
	}

	var hb bytes.Buffer
	if err := r.html.Execute(&hb, v); err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}
	msg := Message{Subject: Subject(ev), HTML: hb.String(), Event: ev}

	if r.text == nil {
		msg.Text = strings.TrimSpace(html2text.HTML2Text(msg.HTML))
		return msg, nil
	}
	var tb bytes.Buffer
	if err := r.text.Execute(&tb, v); err != nil {
		return Message{}, fmt.Errorf("render text: %w", err)
	}
	msg.Text = strings.TrimSpace(tb.String())
	return msg, nil
}
