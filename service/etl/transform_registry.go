/*
 * @module service/etl/transform_registry
 * @description 字段转换注册表，内置业务转换函数，并支持script:前缀的yaegi动态脚本转换
 * @architecture 注册表模式 - 转换函数按名称解析，脚本编译一次后缓存复用
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 转换名解析 -> 内置函数/脚本编译 -> 逐行执行
 * @rules 转换失败视为行级错误，不中断批次；脚本只编译一次，按内容哈希缓存
 * @dependencies github.com/spf13/cast, github.com/traefik/yaegi, golang.org/x/text
 * @refs record_mapper.go, table_config.go
 */

package etl

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/spf13/cast"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"golang.org/x/text/encoding/charmap"
)

// ScriptPrefix 动态脚本转换的名称前缀
const ScriptPrefix = "script:"

// TransformFunc 字段转换函数，接收当前值与完整行上下文
type TransformFunc func(value interface{}, row map[string]interface{}) (interface{}, error)

// TransformRegistry 转换函数注册表
type TransformRegistry struct {
	mu       sync.RWMutex
	builtins map[string]TransformFunc
	scripts  map[string]TransformFunc // 按脚本内容哈希缓存已编译脚本
}

// NewTransformRegistry 创建注册表并装载内置转换函数
func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{
		builtins: make(map[string]TransformFunc),
		scripts:  make(map[string]TransformFunc),
	}
	r.registerBuiltins()
	return r
}

// Register 注册自定义转换函数，同名覆盖
func (r *TransformRegistry) Register(name string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[name] = fn
}

// Resolve 按名称解析转换函数。script:前缀走yaegi编译，其余查内置表。
func (r *TransformRegistry) Resolve(name string) (TransformFunc, error) {
	if strings.HasPrefix(name, ScriptPrefix) {
		return r.resolveScript(strings.TrimPrefix(name, ScriptPrefix))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, exists := r.builtins[name]
	if !exists {
		return nil, fmt.Errorf("未注册的转换函数: %s", name)
	}
	return fn, nil
}

// resolveScript 编译脚本转换，编译结果按内容哈希缓存
func (r *TransformRegistry) resolveScript(body string) (TransformFunc, error) {
	key := fmt.Sprintf("%x", sha256.Sum256([]byte(body)))

	r.mu.RLock()
	if fn, exists := r.scripts[key]; exists {
		r.mu.RUnlock()
		return fn, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if fn, exists := r.scripts[key]; exists {
		return fn, nil
	}

	fn, err := compileScriptTransform(body)
	if err != nil {
		return nil, err
	}
	r.scripts[key] = fn
	return fn, nil
}

// compileScriptTransform 用yaegi编译脚本体。脚本体即Transform函数体，
// 可引用value与row两个入参，必须return转换结果。
func compileScriptTransform(body string) (TransformFunc, error) {
	src := fmt.Sprintf(`package transform

func Apply(value interface{}, row map[string]interface{}) interface{} {
%s
}
`, body)

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("加载脚本标准库失败: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("编译转换脚本失败: %w", err)
	}

	v, err := i.Eval("transform.Apply")
	if err != nil {
		return nil, fmt.Errorf("获取脚本入口失败: %w", err)
	}
	apply, ok := v.Interface().(func(interface{}, map[string]interface{}) interface{})
	if !ok {
		return nil, fmt.Errorf("脚本入口签名不正确")
	}

	return func(value interface{}, row map[string]interface{}) (result interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("脚本执行panic: %v", rec)
			}
		}()
		return apply(value, row), nil
	}, nil
}

// registerBuiltins 装载内置业务转换
func (r *TransformRegistry) registerBuiltins() {
	r.builtins["mapUserStatus"] = mapUserStatus
	r.builtins["mapTransactionType"] = mapTransactionType
	r.builtins["cleanPhone"] = cleanPhone
	r.builtins["normalizeEmail"] = normalizeEmail
	r.builtins["toUpperCase"] = toUpperCase
	r.builtins["toLowerCase"] = toLowerCase
	r.builtins["trimSpace"] = trimSpace
	r.builtins["decodeLatin1"] = decodeLatin1
}

// mapUserStatus 源库用户状态归一化为目标库枚举
func mapUserStatus(value interface{}, _ map[string]interface{}) (interface{}, error) {
	if value == nil {
		return "INACTIVE", nil
	}
	switch strings.ToLower(strings.TrimSpace(cast.ToString(value))) {
	case "1", "active", "enabled", "ativo":
		return "ACTIVE", nil
	case "0", "inactive", "disabled", "inativo":
		return "INACTIVE", nil
	case "banned", "blocked", "bloqueado":
		return "BANNED", nil
	case "pending", "pendente":
		return "PENDING", nil
	default:
		return "INACTIVE", nil
	}
}

// mapTransactionType 交易类型归一化
func mapTransactionType(value interface{}, _ map[string]interface{}) (interface{}, error) {
	raw := strings.ToLower(strings.TrimSpace(cast.ToString(value)))
	switch raw {
	case "deposit", "dep", "deposito":
		return "DEPOSIT", nil
	case "withdraw", "withdrawal", "saque":
		return "WITHDRAWAL", nil
	case "bet", "aposta":
		return "BET", nil
	case "win", "payout", "premio":
		return "WIN", nil
	case "bonus":
		return "BONUS", nil
	case "commission", "comissao":
		return "COMMISSION", nil
	case "":
		return nil, fmt.Errorf("交易类型为空")
	default:
		return strings.ToUpper(raw), nil
	}
}

// cleanPhone 去除电话号码中的非数字字符，保留前导+
func cleanPhone(value interface{}, _ map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	raw := strings.TrimSpace(cast.ToString(value))
	if raw == "" {
		return nil, nil
	}

	var sb strings.Builder
	for i, ch := range raw {
		if unicode.IsDigit(ch) {
			sb.WriteRune(ch)
		} else if ch == '+' && i == 0 {
			sb.WriteRune(ch)
		}
	}
	cleaned := sb.String()
	if cleaned == "" || cleaned == "+" {
		return nil, nil
	}
	return cleaned, nil
}

// normalizeEmail 邮箱归一化：去空白、转小写
func normalizeEmail(value interface{}, _ map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	email := strings.ToLower(strings.TrimSpace(cast.ToString(value)))
	if email == "" {
		return nil, nil
	}
	return email, nil
}

func toUpperCase(value interface{}, _ map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	return strings.ToUpper(cast.ToString(value)), nil
}

func toLowerCase(value interface{}, _ map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	return strings.ToLower(cast.ToString(value)), nil
}

func trimSpace(value interface{}, _ map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	return strings.TrimSpace(cast.ToString(value)), nil
}

// decodeLatin1 把ISO-8859-1编码的字节串解码为UTF-8，
// 用于源库遗留表的葡语文本字段
func decodeLatin1(value interface{}, _ map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	raw := cast.ToString(value)
	decoded, err := charmap.ISO8859_1.NewDecoder().String(raw)
	if err != nil {
		return nil, fmt.Errorf("Latin1解码失败: %w", err)
	}
	return decoded, nil
}
