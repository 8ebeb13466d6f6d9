package labels

import "strings"

var fieldAliases = map[string][]string{
	"name":       {"이름", "성명", "성함", "name", "full name", "fullname"},
	"email":      {"이메일", "메일", "email", "e-mail", "mail"},
	"phone":      {"전화", "전화번호", "휴대폰", "연락처", "phone", "mobile", "tel", "telephone"},
	"address":    {"주소", "거주지", "address", "location"},
	"birth_year": {"생년", "생년월일", "출생", "birth", "birthday", "dob", "date of birth"},
}

var fieldReverse = func() map[string]string {
	m := make(map[string]string)
	for field, aliases := range fieldAliases {
		for _, alias := range aliases {
			m[strings.ToLower(strings.TrimSpace(alias))] = field
		}
	}
	return m
}()

// NormalizeFieldName 把字段别名（"성명", "E-mail"）映射为规范字段名，未知别名原样返回
func NormalizeFieldName(raw string) string {
	if field, ok := fieldReverse[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return field
	}
	return raw
}
