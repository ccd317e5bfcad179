package chatwidget

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the widget page and the message
// partials pushed to the browser over server-sent events.
//
//go:embed templates/*
var TemplateFS embed.FS
