// Package template resolves tenant templates and renders channel content.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

// FallbackLanguage is tried against global templates after the requested
// and tenant default languages.
const FallbackLanguage = "en"

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// Request names the template slot to render and the substitution variables.
type Request struct {
	TenantID        string
	TypeCode        string
	Channel         models.Channel
	Language        string
	DefaultLanguage string
	Variables       map[string]interface{}
}

// Result is the rendered content plus the template it came from.
type Result struct {
	Template *models.Template
	Content  models.Content
	// Missing lists placeholder names that had no variable. They stay in
	// the output as literal {{name}} markers.
	Missing []string
}

type Renderer struct {
	store  Store
	logger logger.Logger
}

func NewRenderer(store Store, log logger.Logger) *Renderer {
	return &Renderer{store: store, logger: log.WithFields(map[string]interface{}{"component": "template-renderer"})}
}

// Resolve walks tenant+language, tenant default language, global+language,
// global default language, then global "en". The first active template wins.
func (r *Renderer) Resolve(ctx context.Context, req Request) (*models.Template, error) {
	for _, key := range candidateKeys(req) {
		t, err := r.store.Get(ctx, key)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, apperrors.NewStorageError("template lookup", err)
		}
	}
	return nil, apperrors.NewTemplateMissingError(req.TenantID, req.TypeCode, string(req.Channel), req.Language)
}

func candidateKeys(req Request) []models.TemplateKey {
	langs := []string{req.Language, req.DefaultLanguage}
	globalLangs := []string{req.Language, req.DefaultLanguage, FallbackLanguage}

	seen := map[models.TemplateKey]bool{}
	var out []models.TemplateKey
	add := func(tenant, lang string) {
		if lang == "" {
			return
		}
		k := models.TemplateKey{TenantID: tenant, TypeCode: req.TypeCode, Channel: req.Channel, Language: lang}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, l := range langs {
		add(req.TenantID, l)
	}
	for _, l := range globalLangs {
		add(models.GlobalTenant, l)
	}
	return out
}

// Render resolves the template and substitutes variables into every field
// the channel carries.
func (r *Renderer) Render(ctx context.Context, req Request) (*Result, error) {
	tpl, err := r.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	missing := map[string]bool{}
	sub := func(s string) string { return substitute(s, req.Variables, missing) }

	var content models.Content
	switch req.Channel {
	case models.ChannelEmail:
		text := sub(tpl.Body)
		html := text
		if tpl.HTMLBody != "" {
			html = sub(tpl.HTMLBody)
		}
		content = models.EmailContent{Subject: sub(tpl.Subject), HTML: html, Text: text}
	case models.ChannelSMS:
		content = models.SMSContent{Text: sub(tpl.Body)}
	case models.ChannelPush:
		title := tpl.Title
		if title == "" {
			title = tpl.Subject
		}
		content = models.PushContent{
			Title: sub(title),
			Body:  sub(tpl.Body),
			Data:  map[string]string{"type_code": req.TypeCode},
		}
	case models.ChannelInApp:
		content = models.InAppContent{Title: sub(tpl.Title), Body: sub(tpl.Body), Link: sub(tpl.Link)}
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("channel %q cannot be rendered", req.Channel))
	}

	res := &Result{Template: tpl, Content: content}
	if len(missing) > 0 {
		for name := range missing {
			res.Missing = append(res.Missing, name)
		}
		sort.Strings(res.Missing)
		r.logger.Warn("TemplateRenderWarning", map[string]interface{}{
			"tenantId":     req.TenantID,
			"typeCode":     req.TypeCode,
			"channel":      string(req.Channel),
			"templateId":   tpl.ID,
			"placeholders": res.Missing,
		})
	}
	return res, nil
}

func substitute(s string, vars map[string]interface{}, missing map[string]bool) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := lookup(vars, name)
		if !ok {
			missing[name] = true
			return "{{" + name + "}}"
		}
		return fmt.Sprint(v)
	})
}

// lookup resolves a dotted path through nested maps.
func lookup(vars map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := vars[path]; ok {
		return v, v != nil
	}
	parts := strings.Split(path, ".")
	var cur interface{} = vars
	for _, p := range parts {
		switch m := cur.(type) {
		case map[string]interface{}:
			v, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}
