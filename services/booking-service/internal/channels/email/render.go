package email

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

type templateData struct {
	Name      string
	Title     string
	Body      string
	Reference string
	Kind      string
}

const textLayout = `Hello {{if .Name}}{{.Name}}{{else}}there{{end}},

{{.Body}}
{{if .Reference}}
Booking reference: {{.Reference}}
{{end}}
This is an automated message from the citizen services portal.
`

const htmlLayout = `<!doctype html>
<html><body style="font-family:sans-serif">
<p>Hello {{if .Name}}{{.Name}}{{else}}there{{end}},</p>
<h2>{{.Title}}</h2>
<p>{{.Body}}</p>
{{if .Reference}}<p>Booking reference: <strong>{{.Reference}}</strong></p>{{end}}
<p style="color:#666;font-size:12px">This is an automated message from the citizen services portal.</p>
</body></html>`

// Renderer turns a notification into a text + HTML email.
type Renderer struct {
	text *template.Template
	html *htmltemplate.Template
}

func NewRenderer() *Renderer {
	return &Renderer{
		text: template.Must(template.New("text").Parse(textLayout)),
		html: htmltemplate.Must(htmltemplate.New("html").Parse(htmlLayout)),
	}
}

func (r *Renderer) Render(c model.Contact, n model.Notification) (Message, error) {
	data := templateData{
		Name:      c.Name,
		Title:     n.Title,
		Body:      n.Body,
		Reference: n.AppointmentRef,
		Kind:      string(n.Kind),
	}
	var text, html bytes.Buffer
	if err := r.text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render text: %w", err)
	}
	if err := r.html.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}
	return Message{
		To:      c.Email,
		ToName:  c.Name,
		Subject: n.Title,
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
