package hyperpay

import (
	"regexp"
	"strings"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
)

// Gateway result-code families. The gateway reports outcomes as dotted
// numeric codes; the families below are stable across its API versions.
var (
	successCode = regexp.MustCompile(`^(000\.000\.|000\.100\.1|000\.[36])`)
	pendingCode = regexp.MustCompile(`^(000\.200)`)
)

// exactCodes maps specific gateway result codes to the engine taxonomy.
var exactCodes = map[string]domain.PaymentErrorCode{
	"100.100.101": domain.ErrCodeInvalidCard,       // invalid creditcard number
	"100.100.303": domain.ErrCodeExpiredCard,       // card expired
	"100.100.600": domain.ErrCodeInvalidCVV,        // empty CVV
	"100.100.601": domain.ErrCodeInvalidCVV,        // invalid CVV
	"700.400.200": domain.ErrCodeDuplicateTransaction,
	"800.100.151": domain.ErrCodeInvalidCard,       // invalid card
	"800.100.152": domain.ErrCodeCardDeclined,      // declined by authorization system
	"800.100.153": domain.ErrCodeInvalidCVV,        // invalid CVV
	"800.100.157": domain.ErrCodeExpiredCard,       // wrong expiry date
	"800.100.159": domain.ErrCodeFraudSuspected,    // stolen card
	"800.100.160": domain.ErrCodeCardDeclined,      // card blocked
	"800.100.162": domain.ErrCodeInsufficientFunds, // limit exceeded
	"800.100.165": domain.ErrCodeCardDeclined,      // card lost
	"800.100.168": domain.ErrCodeCardDeclined,      // restricted card
	"800.100.170": domain.ErrCodeInvalidAmount,     // invalid amount
	"800.300.101": domain.ErrCodeFraudSuspected,    // account/BIN blacklisted
}

// prefixCodes maps code families where the exact suffix does not matter.
// Checked after exactCodes; first match wins.
var prefixCodes = []struct {
	prefix string
	code   domain.PaymentErrorCode
}{
	{"100.100.", domain.ErrCodeInvalidCard},        // card data validation family
	{"100.400.", domain.ErrCodeFraudSuspected},     // external risk rejection
	{"800.100.", domain.ErrCodeCardDeclined},       // authorization declines
	{"800.110.", domain.ErrCodeDuplicateTransaction},
	{"800.120.", domain.ErrCodeProviderError},      // rate limiting
	{"800.300.", domain.ErrCodeFraudSuspected},     // risk management
	{"800.400.", domain.ErrCodeFraudSuspected},     // AVS/fraud checks
	{"600.200.", domain.ErrCodeConfigurationError}, // channel/entity misconfigured
	{"800.900.", domain.ErrCodeConfigurationError}, // merchant setup
	{"900.100.", domain.ErrCodeNetworkError},       // gateway/acquirer communication
	{"900.200.", domain.ErrCodeNetworkError},       // timeout at acquirer
}

// MapResultCode converts a gateway result code into the engine's neutral
// taxonomy. Unknown codes deliberately map to ProviderError, never to
// silent success.
func MapResultCode(code string) domain.PaymentErrorCode {
	if mapped, ok := exactCodes[code]; ok {
		return mapped
	}
	for _, p := range prefixCodes {
		if strings.HasPrefix(code, p.prefix) {
			return p.code
		}
	}
	return domain.ErrCodeProviderError
}
