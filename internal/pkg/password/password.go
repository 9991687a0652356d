package password

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrWeakPassword 表示密码不满足强度策略。
var ErrWeakPassword = errors.New("weak password")

// 密码策略：最小长度与四类字符缺一不可。
const minLength = 8

const symbols = `!"#$%&'()*+,-./:;<=>?@[\]^_` + "`{|}~"

// Validate 校验密码强度。
//
// 返回未满足的规则列表；全部满足时返回 nil。
// 任一规则未满足时 error 为 ErrWeakPassword（可用 errors.Is 判断）。
func Validate(pw string) ([]string, error) {
	var unmet []string

	// 长度按字符数（rune）计，不按字节数
	if utf8.RuneCountInString(pw) < minLength {
		unmet = append(unmet, "at least 8 characters")
	}

	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(symbols, r):
			hasSymbol = true
		}
	}
	if !hasLower {
		unmet = append(unmet, "a lowercase letter")
	}
	if !hasUpper {
		unmet = append(unmet, "an uppercase letter")
	}
	if !hasDigit {
		unmet = append(unmet, "a digit")
	}
	if !hasSymbol {
		unmet = append(unmet, "a symbol")
	}

	if len(unmet) > 0 {
		return unmet, ErrWeakPassword
	}
	return nil, nil
}
