package handler

import (
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// registerValidators adds the bundler's custom tags to gin's validator.
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if value, ok := field.Interface().(decimal.Decimal); ok {
			return value.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("hash32", validateHash32)
}

// validateHash32 accepts 0x-prefixed 32-byte hex strings.
func validateHash32(fl validator.FieldLevel) bool {
	b, err := hexutil.Decode(fl.Field().String())
	return err == nil && len(b) == common.HashLength
}

func normalizeHash(s string) string {
	return common.HexToHash(s).Hex()
}
