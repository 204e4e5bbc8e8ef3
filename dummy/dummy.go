// Package dummy fills a development database with users and payments
package dummy

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/api/auth"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/models/receives"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

var log = build.AddSubLogger("DMMY")

// Config is what FillWithData populates
type Config struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Tracker  *tracker.Tracker
	// Users is how many users to create
	Users int
	// OnlyOnce skips filling if there are users already
	OnlyOnce bool
}

// User is a created user together with the key it authenticates with
type User struct {
	Key       *ecdsa.PrivateKey
	PublicKey string
}

// PrivateKeyHex encodes the private key of the user, so it can be used
// from a client
func (u User) PrivateKeyHex() string {
	return hex.EncodeToString(u.Key.D.Bytes())
}

// FillWithData populates the database with users that have received
// payments, open invoices and paid each other
func FillWithData(ctx context.Context, conf Config) ([]User, error) {
	log.WithFields(logrus.Fields{
		"users":    conf.Users,
		"onlyOnce": conf.OnlyOnce,
	}).Info("Populating DB with dummy data")
	gofakeit.Seed(time.Now().UnixNano())

	if conf.OnlyOnce {
		existing, err := conf.Registry.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		if len(existing) != 0 {
			log.Info("DB has data, not populating with further data")
			return nil, nil
		}
	}
	if conf.Users <= 0 {
		return nil, nil
	}

	invite, err := conf.Registry.CreateInvite(ctx, int64(conf.Users), 30*24*time.Hour)
	if err != nil {
		return nil, err
	}

	created := make([]User, 0, conf.Users)
	for i := 0; i < conf.Users; i++ {
		user, err := createUser(ctx, conf, invite.ID)
		if err != nil {
			return created, fmt.Errorf("could not create user %d: %w", i, err)
		}
		created = append(created, user)
	}

	fees := conf.Tracker.Fees()
	// everyone pays an invoice of the next user
	for i, payer := range created {
		payee := created[(i+1)%len(created)]
		if payee.PublicKey == payer.PublicKey {
			break
		}
		amount := randomAmount(fees.MinAmountMsat, fees.MaxAmountMsat/100)
		invoice, err := conf.Tracker.CreateInvoice(ctx, payee.PublicKey, tracker.InvoiceRequest{
			AmountMsat:  &amount,
			Description: gofakeit.Sentence(4),
		})
		if err != nil {
			return created, err
		}
		if _, err := conf.Tracker.CreateSend(ctx, payer.PublicKey, tracker.SendRequest{
			PaymentRequest: invoice.PaymentRequest,
		}); err != nil {
			return created, err
		}
	}

	log.WithField("users", len(created)).Info("Populated DB with dummy data")
	return created, nil
}

func createUser(ctx context.Context, conf Config, inviteID string) (User, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return User{}, err
	}
	publicKey := auth.EncodePublicKey(&key.PublicKey)
	if _, err := conf.Registry.Register(ctx, inviteID, publicKey); err != nil {
		return User{}, err
	}

	name := gofakeit.FirstName() + " " + gofakeit.LastName()
	if registry.ValidateRecoveryName(name) == nil {
		if _, err := conf.Registry.SetRecoveryName(ctx, publicKey, &name); err != nil {
			return User{}, err
		}
	}

	fees := conf.Tracker.Fees()
	// a couple of payments from outside
	for i := 0; i < 2; i++ {
		if _, err := conf.Ledger.Credit(ctx, receives.Receive{
			ID:          uuid.NewString(),
			UserPK:      publicKey,
			AmountMsat:  randomAmount(fees.MaxAmountMsat/20, fees.MaxAmountMsat/10),
			Description: gofakeit.Sentence(3),
		}); err != nil {
			return User{}, err
		}
	}

	// and an invoice nobody paid yet
	amount := randomAmount(fees.MinAmountMsat, fees.MaxAmountMsat/100)
	if _, err := conf.Tracker.CreateInvoice(ctx, publicKey, tracker.InvoiceRequest{
		AmountMsat:  &amount,
		Description: gofakeit.Sentence(4),
	}); err != nil {
		return User{}, err
	}

	return User{Key: key, PublicKey: publicKey}, nil
}

// randomAmount is a whole number of satoshis in [min, max] msat
func randomAmount(min, max int64) int64 {
	if max <= min {
		return min
	}
	sats := (min + mathrand.Int63n(max-min+1)) / 1000
	if sats*1000 < min {
		sats++
	}
	return sats * 1000
}
