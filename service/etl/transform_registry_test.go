/*
 * @module service/etl/transform_registry_test
 * @description 转换注册表单元测试，覆盖内置转换函数与yaegi脚本转换
 * @architecture 单元测试
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 转换解析 -> 执行 -> 结果验证
 * @rules 验证转换函数的纯函数性质与脚本编译缓存
 * @dependencies testing, github.com/stretchr/testify/assert
 * @refs transform_registry.go
 */

package etl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapUserStatus(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"数字1转ACTIVE", 1, "ACTIVE"},
		{"字符串active转ACTIVE", "active", "ACTIVE"},
		{"葡语ativo转ACTIVE", "Ativo", "ACTIVE"},
		{"数字0转INACTIVE", 0, "INACTIVE"},
		{"banned转BANNED", "banned", "BANNED"},
		{"blocked转BANNED", "blocked", "BANNED"},
		{"pending转PENDING", "pending", "PENDING"},
		{"未知值兜底INACTIVE", "whatever", "INACTIVE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := mapUserStatus(tt.input, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}

	t.Run("nil转INACTIVE", func(t *testing.T) {
		result, err := mapUserStatus(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "INACTIVE", result)
	})
}

func TestMapTransactionType(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"deposit", "deposit", "DEPOSIT"},
		{"葡语deposito", "Deposito", "DEPOSIT"},
		{"withdrawal", "withdraw", "WITHDRAWAL"},
		{"葡语saque", "saque", "WITHDRAWAL"},
		{"bet", "bet", "BET"},
		{"win", "payout", "WIN"},
		{"未知类型大写透传", "cashback", "CASHBACK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := mapTransactionType(tt.input, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}

	t.Run("空值报错", func(t *testing.T) {
		_, err := mapTransactionType("", nil)
		assert.Error(t, err)
	})
}

func TestCleanPhone(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected interface{}
	}{
		{"去除分隔符", "(11) 98765-4321", "11987654321"},
		{"保留前导加号", "+55 11 98765-4321", "+5511987654321"},
		{"纯数字透传", "11987654321", "11987654321"},
		{"空串置空", "   ", nil},
		{"无数字置空", "abc", nil},
		{"nil透传", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := cleanPhone(tt.input, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	result, err := normalizeEmail("  User@Example.COM ", nil)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", result)

	result, err = normalizeEmail("", nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestTransformRegistry_Resolve(t *testing.T) {
	registry := NewTransformRegistry()

	t.Run("内置转换按名解析", func(t *testing.T) {
		fn, err := registry.Resolve("mapUserStatus")
		require.NoError(t, err)
		result, err := fn("active", nil)
		require.NoError(t, err)
		assert.Equal(t, "ACTIVE", result)
	})

	t.Run("未注册的名称报错", func(t *testing.T) {
		_, err := registry.Resolve("noSuchTransform")
		assert.Error(t, err)
	})

	t.Run("自定义注册覆盖", func(t *testing.T) {
		registry.Register("constant", func(value interface{}, row map[string]interface{}) (interface{}, error) {
			return "fixed", nil
		})
		fn, err := registry.Resolve("constant")
		require.NoError(t, err)
		result, _ := fn("anything", nil)
		assert.Equal(t, "fixed", result)
	})
}

func TestTransformRegistry_ScriptTransform(t *testing.T) {
	registry := NewTransformRegistry()

	t.Run("脚本转换执行", func(t *testing.T) {
		fn, err := registry.Resolve(`script:
	s, ok := value.(string)
	if !ok {
		return value
	}
	return s + "_suffix"`)
		require.NoError(t, err)

		result, err := fn("abc", nil)
		require.NoError(t, err)
		assert.Equal(t, "abc_suffix", result)
	})

	t.Run("脚本可访问行上下文", func(t *testing.T) {
		fn, err := registry.Resolve(`script:
	if row["vip"] == true {
		return "VIP"
	}
	return value`)
		require.NoError(t, err)

		result, err := fn("normal", map[string]interface{}{"vip": true})
		require.NoError(t, err)
		assert.Equal(t, "VIP", result)
	})

	t.Run("同脚本命中编译缓存", func(t *testing.T) {
		body := "script:\n\treturn value"
		first, err := registry.Resolve(body)
		require.NoError(t, err)
		second, err := registry.Resolve(body)
		require.NoError(t, err)
		assert.NotNil(t, first)
		assert.NotNil(t, second)
	})

	t.Run("非法脚本报错", func(t *testing.T) {
		_, err := registry.Resolve("script:\nthis is not go")
		assert.Error(t, err)
	})
}
