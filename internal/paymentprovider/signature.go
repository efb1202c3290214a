package paymentprovider

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// SignatureHeader заголовок с подписью тела вебхука.
const SignatureHeader = "X-Paystack-Signature"

// HMACVerifier проверяет подпись вебхука: HMAC-SHA512 тела на секретном ключе в hex.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier создаёт проверку подписи. Пустой секрет отклоняет любые запросы.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign возвращает подпись тела.
func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify сравнивает подпись за постоянное время.
func (v *HMACVerifier) Verify(body []byte, signature string) bool {
	if len(v.secret) == 0 || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
