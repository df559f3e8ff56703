package ui

import (
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"
)

// Variant is one rendition of an object shown on the preview page.
type Variant struct {
	Label string
	URL   string
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"en\">")
		if err != nil {
			return err
		}

		// Head
		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<title>"+html.EscapeString(title)+"</title>")
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head><body><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// PreviewPage renders every variant of the object named key.
func PreviewPage(key string, variants []Variant) templ.Component {
	return Layout("Preview - "+key, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title := fmt.Sprintf("<section><header><h1>%s</h1>", html.EscapeString(key))
		_, err := io.WriteString(w, title)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<p>Each rendition is served by the image endpoint. Resizes never enlarge the original.</p></header>")
		if err != nil {
			return err
		}

		if len(variants) == 0 {
			_, err = io.WriteString(w, "<p>No renditions can be linked for this object.</p>")
			if err != nil {
				return err
			}
		}

		for _, v := range variants {
			figure := fmt.Sprintf("<figure><img src=\"%s\" alt=\"%s\" loading=\"lazy\"><figcaption><a href=\"%s\">%s</a></figcaption></figure>",
				html.EscapeString(v.URL), html.EscapeString(v.Label), html.EscapeString(v.URL), html.EscapeString(v.Label))
			_, err = io.WriteString(w, figure)
			if err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</section>")
		return err
	}))
}
