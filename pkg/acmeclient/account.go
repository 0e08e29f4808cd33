package acmeclient

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"os"

	"github.com/function61/edgecert/pkg/atomicpublish"
	"github.com/function61/gokit/jsonfile"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/registration"
)

// ACME account. the key is stored in PEM, the registration as JSON next to it
type account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	privateKey   crypto.PrivateKey
}

var _ registration.User = (*account)(nil)

func (a *account) GetEmail() string {
	return a.Email
}

func (a *account) GetPrivateKey() crypto.PrivateKey {
	return a.privateKey
}

func (a *account) GetRegistration() *registration.Resource {
	return a.Registration
}

// loads the account, creating its key if this is the first run. registration can still be
// nil afterwards
func loadOrCreateAccount(
	email string,
	keyPath string,
	registrationPath string,
	publisher *atomicpublish.Publisher,
) (*account, error) {
	key, err := loadOrCreateAccountKey(keyPath, publisher)
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}

	acct := &account{
		Email:      email,
		privateKey: key,
	}

	registrationJSON, err := os.Open(registrationPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return acct, nil
		}
		return nil, err
	}
	defer registrationJSON.Close()

	stored := &account{}
	if err := jsonfile.Unmarshal(registrationJSON, stored, true); err != nil {
		return nil, fmt.Errorf("%s: %w", registrationPath, err)
	}

	if stored.Email != email {
		// registration belongs to another account. registering anew is the safe bet
		return acct, nil
	}

	acct.Registration = stored.Registration

	return acct, nil
}

func saveRegistration(acct *account, registrationPath string, publisher *atomicpublish.Publisher) error {
	buf := &bytes.Buffer{}
	if err := jsonfile.Marshal(buf, acct); err != nil {
		return err
	}

	_, err := publisher.Publish(registrationPath, buf.Bytes(), atomicpublish.PrivateKey)
	return err
}

func loadOrCreateAccountKey(keyPath string, publisher *atomicpublish.Publisher) (crypto.PrivateKey, error) {
	keyPem, err := os.ReadFile(keyPath)
	if err == nil {
		return certcrypto.ParsePEMPrivateKey(keyPem)
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, err
	}

	if _, err := publisher.Publish(keyPath, certcrypto.PEMEncode(key), atomicpublish.PrivateKey); err != nil {
		return nil, err
	}

	return key, nil
}
