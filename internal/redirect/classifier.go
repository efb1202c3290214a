// Package redirect отслеживает переходы на странице оплаты шлюза и запускает
// ровно одну проверку платежа на каждое терминальное событие.
package redirect

import (
	"net/url"
	"strings"
)

// Classification результат разбора адреса страницы оплаты.
type Classification struct {
	Terminal  bool
	Reference string
}

// Classifier определяет, завершила ли навигация платежный сценарий.
type Classifier struct {
	callbackURL string
	appScheme   string
}

// NewClassifier создает Classifier. Пустые callbackURL и appScheme не учитываются.
func NewClassifier(callbackURL, appScheme string) *Classifier {
	return &Classifier{
		callbackURL: callbackURL,
		appScheme:   strings.ToLower(strings.TrimSuffix(appScheme, "://")),
	}
}

// Classify разбирает адрес. Терминальным считается адрес со схемой приложения,
// адрес callback, адрес с признаком успеха или с параметром reference/trxref.
func (c *Classifier) Classify(raw string) Classification {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Classification{}
	}

	var res Classification
	u, err := url.Parse(raw)
	if err == nil {
		q := u.Query()
		res.Reference = q.Get("reference")
		if res.Reference == "" {
			res.Reference = q.Get("trxref")
		}
		if c.appScheme != "" && strings.EqualFold(u.Scheme, c.appScheme) {
			res.Terminal = true
		}
		if strings.EqualFold(q.Get("status"), "success") {
			res.Terminal = true
		}
	}

	switch {
	case res.Reference != "":
		res.Terminal = true
	case c.callbackURL != "" && strings.HasPrefix(raw, c.callbackURL):
		res.Terminal = true
	case strings.Contains(raw, "/success"), strings.Contains(raw, "status=success"):
		res.Terminal = true
	}
	return res
}
