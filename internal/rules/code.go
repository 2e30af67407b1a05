package rules

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var threeDigits = regexp.MustCompile(`\b(\d{3})\b`)

// ExtractCode достаёт числовой код из описания ошибки.
//
// Если detail — JSON вида {"errors":[{"code":N}]}, берётся N.
// Иначе первое отдельно стоящее трёхзначное число.
func ExtractCode(detail string) *int {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return nil
	}

	var body struct {
		Errors []struct {
			Code json.Number `json:"code"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(detail), &body); err == nil {
		if len(body.Errors) > 0 && body.Errors[0].Code != "" {
			if n, err := strconv.Atoi(body.Errors[0].Code.String()); err == nil && n != 0 {
				return &n
			}
		}
		return nil
	}

	m := threeDigits.FindStringSubmatch(detail)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}
