// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/psbtkit/psbtkit/wallet/addrtype"
	"github.com/psbtkit/psbtkit/wallet/signer"
)

var (
	// ErrAccountNotFound is returned when an account is not found.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when an account name is registered
	// twice.
	ErrAccountExists = errors.New("account already exists")

	// ErrMissingAccountName is returned when an account name is required
	// but not provided.
	ErrMissingAccountName = errors.New("account name cannot be empty")

	// ErrInvalidAccount is returned when an account is missing its key or
	// address type, or its backend signs for another key.
	ErrInvalidAccount = errors.New("invalid account")
)

// AccountKind tells where the keys of an account live.
type AccountKind uint8

const (
	// KindSoftware accounts sign with an in-process key.
	KindSoftware AccountKind = iota

	// KindHardware accounts sign on an external device.
	KindHardware
)

// String returns a human readable name of the kind.
func (k AccountKind) String() string {
	switch k {
	case KindSoftware:
		return "software"
	case KindHardware:
		return "hardware"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Derivation is the BIP32 origin of an account key.
type Derivation struct {
	// Fingerprint is the fingerprint of the master key.
	Fingerprint uint32

	// Path is the full derivation path of the key.
	Path []uint32
}

// Account is a single key wallet account.
type Account struct {
	// Name identifies the account.
	Name string

	// Kind tells which signing backend the account uses.
	Kind AccountKind

	// AddrType is the address type of the account.
	AddrType addrtype.AddressType

	// PubKey is the account key.
	PubKey *btcec.PublicKey

	// Derivation is the origin of PubKey. HD address types require it.
	Derivation fn.Option[Derivation]
}

// Address returns the receiving address of the account.
func (a *Account) Address(params *chaincfg.Params) (btcutil.Address,
	error) {

	return a.AddrType.Address(a.PubKey, params)
}

// Sender returns the account as the funding side of a TxIntent.
func (a *Account) Sender() Sender {
	return Sender{
		AddrType:   a.AddrType,
		PubKey:     a.PubKey,
		Derivation: a.Derivation,
	}
}

// accountEntry is an account together with its signing backend.
type accountEntry struct {
	account Account
	backend signer.SigningBackend
}

// AccountManager manages the accounts of a wallet.
type AccountManager interface {
	// RegisterAccount adds an account signed for by backend.
	RegisterAccount(account Account, backend signer.SigningBackend) error

	// GetAccount returns the account with the given name.
	GetAccount(name string) (*Account, error)

	// ListAccounts returns all accounts ordered by name.
	ListAccounts() []Account

	// RemoveAccount forgets the account with the given name.
	RemoveAccount(name string) error
}

// A compile time check to ensure that Wallet implements the interface.
var _ AccountManager = (*Wallet)(nil)

// RegisterAccount adds an account to the wallet. The backend must sign for
// the account key.
func (w *Wallet) RegisterAccount(account Account,
	backend signer.SigningBackend) error {

	if account.Name == "" {
		return ErrMissingAccountName
	}

	if account.AddrType == nil || account.PubKey == nil || backend == nil {
		return fmt.Errorf("%w: %s needs an address type, a key and a "+
			"backend", ErrInvalidAccount, account.Name)
	}

	// A hardware backend has no key until its account is loaded.
	backendKey := backend.PubKey()
	if backendKey == nil || !backendKey.IsEqual(account.PubKey) {
		return fmt.Errorf("%w: backend of %s does not sign for %x",
			ErrInvalidAccount, account.Name,
			account.PubKey.SerializeCompressed())
	}

	w.accountsMtx.Lock()
	defer w.accountsMtx.Unlock()

	if _, ok := w.accounts[account.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, account.Name)
	}

	w.accounts[account.Name] = &accountEntry{
		account: account,
		backend: backend,
	}

	log.Infof("Registered %v account %s of type %s", account.Kind,
		account.Name, account.AddrType.Name())

	return nil
}

// GetAccount returns the account with the given name.
func (w *Wallet) GetAccount(name string) (*Account, error) {
	entry, err := w.account(name)
	if err != nil {
		return nil, err
	}

	account := entry.account

	return &account, nil
}

// ListAccounts returns all accounts ordered by name.
func (w *Wallet) ListAccounts() []Account {
	w.accountsMtx.RLock()
	defer w.accountsMtx.RUnlock()

	accounts := make([]Account, 0, len(w.accounts))
	for _, entry := range w.accounts {
		accounts = append(accounts, entry.account)
	}

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Name < accounts[j].Name
	})

	return accounts
}

// RemoveAccount forgets the account with the given name.
func (w *Wallet) RemoveAccount(name string) error {
	w.accountsMtx.Lock()
	defer w.accountsMtx.Unlock()

	if _, ok := w.accounts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}

	delete(w.accounts, name)

	return nil
}

// account returns the entry of the named account.
func (w *Wallet) account(name string) (*accountEntry, error) {
	if name == "" {
		return nil, ErrMissingAccountName
	}

	w.accountsMtx.RLock()
	defer w.accountsMtx.RUnlock()

	entry, ok := w.accounts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}

	return entry, nil
}
