// Package types 定义抽取、合并、分块之间传递的数据结构。
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Record provider 返回的结构化简历记录（JSON object）。
// 合并和校验都返回新的 Record，不修改输入。
type Record map[string]any

// Clone 深拷贝，嵌套的 map/slice 也会复制
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Record:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Present 字段存在且为"真值"：非 nil、非空串、非零、非空集合
func (r Record) Present(key string) bool {
	v, ok := r[key]
	return ok && Truthy(v)
}

// Truthy 判断值是否有实际内容
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// String 以字符串形式读取字段，缺失时返回空串
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}

// Stringify 把标量转成字符串，整数值的浮点数不带小数点
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return FormatNumber(t)
	case float32:
		return FormatNumber(float64(t))
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// FormatNumber 5 -> "5", 5.5 -> "5.5"
func FormatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Float 读取数值字段，数字字符串也会被解析
func (r Record) Float(key string) (float64, bool) {
	switch t := r[key].(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// Strings 读取字符串数组字段，忽略空元素
func (r Record) Strings(key string) []string {
	var out []string
	switch t := r[key].(type) {
	case []string:
		for _, s := range t {
			if s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, v := range t {
			if s := Stringify(v); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Objects 读取对象数组字段
func (r Record) Objects(key string) []Record {
	var out []Record
	switch t := r[key].(type) {
	case []any:
		for _, v := range t {
			switch m := v.(type) {
			case map[string]any:
				out = append(out, Record(m))
			case Record:
				out = append(out, m)
			}
		}
	case []map[string]any:
		for _, m := range t {
			out = append(out, Record(m))
		}
	case []Record:
		out = append(out, t...)
	}
	return out
}

// ParseRecord 把 JSON 文本解析为 Record，顶层必须是对象
func ParseRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("JSON 顶层不是对象")
	}
	return r, nil
}
