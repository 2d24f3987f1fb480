package logger

import "fmt"

// Fields 将 key/value 交替参数转换为字段列表，非字符串 key 使用 fmt.Sprint。
func Fields(kv ...any) []Field {
	if len(kv) == 0 {
		return nil
	}
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, Field{Key: key, Value: kv[i+1]})
	}
	return out
}

// Err 构造错误字段。
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}
