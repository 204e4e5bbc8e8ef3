// Package validation provides validation functionality for struct tag
// fields such as "binding", used in Gin/Validator.
package validation

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/lnbank/payreq"
	"gitlab.com/arcanecrypto/lnbank/registry"
)

const (
	paymentrequest = "paymentrequest"
	recoveryname   = "recoveryname"
)

// isValidPaymentRequest checks that the field is something we know how to
// pay on the configured network. LNURLs and Lightning addresses are only
// checked for their format.
func isValidPaymentRequest(network *chaincfg.Params) validator.Func {
	return func(fl validator.FieldLevel) bool {
		_, err := payreq.Parse(fl.Field().String(), network)
		return err == nil
	}
}

// isValidRecoveryName checks the field with the same rules as the registry
func isValidRecoveryName(fl validator.FieldLevel) bool {
	return registry.ValidateRecoveryName(fl.Field().String()) == nil
}

// registerValidator registers a validator in our validation engine with the
// given name.
func registerValidator(engine *validator.Validate, name string, function validator.Func) error {
	err := engine.RegisterValidation(name, function)
	if err != nil {
		return errors.Wrapf(err, "could not register %q validation", name)
	}
	return nil
}

// RegisterAllValidators registers all known validators to the Validator
// engine. This function should typically be called at startup.
func RegisterAllValidators(engine *validator.Validate, network *chaincfg.Params) ([]string, error) {
	type Validator struct {
		Name     string
		Function validator.Func
	}
	validators := []Validator{
		{
			Name:     paymentrequest,
			Function: isValidPaymentRequest(network),
		},
		{
			Name:     recoveryname,
			Function: isValidRecoveryName,
		},
	}
	names := make([]string, len(validators))
	for i, elem := range validators {
		names[i] = elem.Name
		if err := registerValidator(engine, elem.Name, elem.Function); err != nil {
			return nil, err
		}
	}
	return names, nil
}
