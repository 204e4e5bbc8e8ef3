package validation

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/testutil/lntestutil"
)

var validate *validator.Validate

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	validate = validator.New()
	validate.SetTagName("binding")
	if _, err := RegisterAllValidators(validate, &chaincfg.RegressionNetParams); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

func TestIsValidPaymentRequest(t *testing.T) {
	t.Parallel()

	type Struct struct {
		PaymentRequest string `binding:"paymentrequest"`
	}

	node := lntestutil.NewMockNode()
	amount := int64(1000)
	_, invoice, err := node.NewInvoice(&amount, "", time.Hour)
	require.NoError(t, err)

	good := []string{
		invoice,
		"lightning:" + invoice,
		node.NewOffer(nil, "tips"),
		"satoshi@example.com",
	}
	for _, request := range good {
		assert.NoError(t, validate.Struct(Struct{PaymentRequest: request}), request)
	}

	bad := []string{
		"",
		"this should not validate",
		// testnet invoice on regtest
		"lntb1500n1pw5kjhmpp5fu6xhthlt2vucmzkx6c7wtlh2r625r30cyjsfqhu8rsx4xpz5lwqdpa2fjkzep6ypxxjemgw3hxjmn8yptkset9dssx7e3qgehhyar0yssxzmnyvskkuv3jyqxqrrsscqp2rzjq03qfaur9r6cwy9wvq09xsal3emr2uc8j7crz3pfxkqg2lk0h9u8jqqq9sqqqqgqqqqqqqlgqqqqqqgqjqw6ucq8wtxlu75fcdud4g6zrfywn87at3lwtju9f3jhc0u0ahj34rfq6zr6d9lqwurdwhrvp5lqsek8qy0muchs4u8dnph5rjp2lpqq6vmhxg",
	}
	for _, request := range bad {
		assert.Error(t, validate.Struct(Struct{PaymentRequest: request}), request)
	}
}

func TestIsValidRecoveryName(t *testing.T) {
	t.Parallel()

	type Struct struct {
		Name string `binding:"recoveryname"`
	}

	assert.NoError(t, validate.Struct(Struct{Name: "Satoshi Nakamoto"}))
	assert.NoError(t, validate.Struct(Struct{Name: "a"}))

	assert.Error(t, validate.Struct(Struct{Name: ""}))
	assert.Error(t, validate.Struct(Struct{Name: "Hal Finney 2"}))
	assert.Error(t, validate.Struct(Struct{Name: strings.Repeat("a", 21)}))
}

func TestRegisterTwice(t *testing.T) {
	t.Parallel()
	engine := validator.New()
	names, err := RegisterAllValidators(engine, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{paymentrequest, recoveryname}, names)
}
