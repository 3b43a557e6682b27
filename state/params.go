package state

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/meeh420/coinffeine/txbuild"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"
)

// Role is the side a participant takes in an exchange. The buyer buys
// bitcoin and pays fiat, the seller sells bitcoin and receives fiat.
type Role int

const (
	RoleBuyer Role = iota
	RoleSeller
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "buyer", "buy":
		return RoleBuyer, nil
	case "seller", "sell":
		return RoleSeller, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Config holds the negotiated terms of an exchange as seen by one
// participant.
type Config struct {
	// ExchangeID identifies the exchange. A random id is generated when empty.
	ExchangeID string
	Role       Role
	Network    *chaincfg.Params

	// Counterpart and Broker are the peer ids (ed25519 strkey addresses) of
	// the other participant and of the broker relaying messages. Broker is
	// optional.
	Counterpart string
	Broker      string

	LocalKey      *btcec.PrivateKey
	RemoteKey     *btcec.PublicKey
	LocalAddress  btcutil.Address
	RemoteAddress btcutil.Address

	Amount       btcutil.Amount
	FiatAmount   decimal.Decimal
	FiatCurrency string

	LocalFiatAccount  string
	RemoteFiatAccount string

	Steps    int
	LockTime uint32
	// Fee is paid by every refund and offer transaction.
	Fee btcutil.Amount
}

// Parameters is the validated, immutable description of one exchange.
type Parameters struct {
	id          string
	role        Role
	net         *chaincfg.Params
	counterpart string
	broker      string

	localKey      *btcec.PrivateKey
	remoteKey     *btcec.PublicKey
	localAddress  btcutil.Address
	remoteAddress btcutil.Address

	amount       btcutil.Amount
	fiatAmount   decimal.Decimal
	fiatCurrency string

	localFiatAccount  string
	remoteFiatAccount string

	steps    int
	lockTime uint32
	fee      btcutil.Amount

	redeemScript    []byte
	depositPkScript []byte
}

func invalid(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, a...))
}

// NewParameters validates c and derives the values shared by the handshake
// and the channel. Any violation is returned wrapping ErrInvalidParameters.
func NewParameters(c Config) (Parameters, error) {
	if c.Steps <= 0 {
		return Parameters{}, invalid("steps must be greater than 0, got %d", c.Steps)
	}
	if c.Amount <= 0 || c.Amount > btcutil.MaxSatoshi {
		return Parameters{}, invalid("amount must be greater than 0 and at most %v, got %v", btcutil.Amount(btcutil.MaxSatoshi), c.Amount)
	}
	if !c.FiatAmount.IsPositive() {
		return Parameters{}, invalid("fiat amount must be greater than 0, got %s", c.FiatAmount)
	}
	if int64(c.Amount) < int64(c.Steps) {
		return Parameters{}, invalid("amount %d satoshi cannot be split in %d steps", int64(c.Amount), c.Steps)
	}
	if c.Role != RoleBuyer && c.Role != RoleSeller {
		return Parameters{}, invalid("unknown role %v", c.Role)
	}
	if c.Network == nil {
		return Parameters{}, invalid("network must be set")
	}
	if c.LocalKey == nil {
		return Parameters{}, invalid("private key must be set")
	}
	if c.RemoteKey == nil {
		return Parameters{}, invalid("counterpart public key must be set")
	}
	if c.LocalKey.PubKey().IsEqual(c.RemoteKey) {
		return Parameters{}, invalid("counterpart public key is the local public key")
	}
	if c.LockTime == 0 {
		return Parameters{}, invalid("lock time must be set")
	}
	stepAmount := c.Amount / btcutil.Amount(c.Steps)
	if c.Fee < 0 || c.Fee >= stepAmount {
		return Parameters{}, invalid("fee %v must be at least 0 and less than the step amount %v", c.Fee, stepAmount)
	}
	if c.LocalAddress == nil || !c.LocalAddress.IsForNet(c.Network) {
		return Parameters{}, invalid("local address is not valid for network %s", c.Network.Name)
	}
	if c.RemoteAddress == nil || !c.RemoteAddress.IsForNet(c.Network) {
		return Parameters{}, invalid("counterpart address is not valid for network %s", c.Network.Name)
	}
	if !strkey.IsValidEd25519PublicKey(c.Counterpart) {
		return Parameters{}, invalid("counterpart peer id %q is not valid", c.Counterpart)
	}
	if c.Broker != "" && !strkey.IsValidEd25519PublicKey(c.Broker) {
		return Parameters{}, invalid("broker peer id %q is not valid", c.Broker)
	}

	id := c.ExchangeID
	if id == "" {
		id = uuid.NewString()
	}

	p := Parameters{
		id:                id,
		role:              c.Role,
		net:               c.Network,
		counterpart:       c.Counterpart,
		broker:            c.Broker,
		localKey:          c.LocalKey,
		remoteKey:         c.RemoteKey,
		localAddress:      c.LocalAddress,
		remoteAddress:     c.RemoteAddress,
		amount:            c.Amount,
		fiatAmount:        c.FiatAmount,
		fiatCurrency:      strings.ToUpper(c.FiatCurrency),
		localFiatAccount:  c.LocalFiatAccount,
		remoteFiatAccount: c.RemoteFiatAccount,
		steps:             c.Steps,
		lockTime:          c.LockTime,
		fee:               c.Fee,
	}
	redeemScript, err := txbuild.MultiSigScript(p.BuyerKey(), p.SellerKey(), c.Network)
	if err != nil {
		return Parameters{}, invalid("%v", err)
	}
	pkScript, err := txbuild.ScriptHashPkScript(redeemScript, c.Network)
	if err != nil {
		return Parameters{}, invalid("%v", err)
	}
	p.redeemScript = redeemScript
	p.depositPkScript = pkScript
	return p, nil
}

func (p Parameters) ExchangeID() string          { return p.id }
func (p Parameters) Role() Role                  { return p.role }
func (p Parameters) Network() *chaincfg.Params   { return p.net }
func (p Parameters) Counterpart() string         { return p.counterpart }
func (p Parameters) Broker() string              { return p.broker }
func (p Parameters) Steps() int                  { return p.steps }
func (p Parameters) Amount() btcutil.Amount      { return p.amount }
func (p Parameters) FiatAmount() decimal.Decimal { return p.fiatAmount }
func (p Parameters) FiatCurrency() string        { return p.fiatCurrency }
func (p Parameters) LockTime() uint32            { return p.lockTime }
func (p Parameters) Fee() btcutil.Amount         { return p.fee }

// FinalStep is the step number of the terminal offer.
func (p Parameters) FinalStep() int { return p.steps + 1 }

func (p Parameters) LocalPubKey() *btcec.PublicKey  { return p.localKey.PubKey() }
func (p Parameters) RemotePubKey() *btcec.PublicKey { return p.remoteKey }

func (p Parameters) BuyerKey() *btcec.PublicKey {
	if p.role == RoleBuyer {
		return p.localKey.PubKey()
	}
	return p.remoteKey
}

func (p Parameters) SellerKey() *btcec.PublicKey {
	if p.role == RoleSeller {
		return p.localKey.PubKey()
	}
	return p.remoteKey
}

func (p Parameters) BuyerAddress() btcutil.Address {
	if p.role == RoleBuyer {
		return p.localAddress
	}
	return p.remoteAddress
}

func (p Parameters) SellerAddress() btcutil.Address {
	if p.role == RoleSeller {
		return p.localAddress
	}
	return p.remoteAddress
}

func (p Parameters) LocalAddress() btcutil.Address  { return p.localAddress }
func (p Parameters) RemoteAddress() btcutil.Address { return p.remoteAddress }

// SellerFiatAccount is the account that receives the fiat payments.
func (p Parameters) SellerFiatAccount() string {
	if p.role == RoleSeller {
		return p.localFiatAccount
	}
	return p.remoteFiatAccount
}

// StepAmount is the bitcoin amount moved by one step, rounded down.
func (p Parameters) StepAmount() btcutil.Amount {
	return p.amount / btcutil.Amount(p.steps)
}

// StepFiatAmount is the fiat amount paid per step, rounded to cents. The
// amounts actually paid are given by FiatPayment so that they add up to the
// fiat amount exactly.
func (p Parameters) StepFiatAmount() decimal.Decimal {
	return p.fiatAmount.Div(decimal.NewFromInt(int64(p.steps))).Round(2)
}

// Progress is the bitcoin amount credited to the buyer once step k is
// completed, for k in 0..steps. Progress(steps) is the full amount.
func (p Parameters) Progress(k int) btcutil.Amount {
	if k <= 0 {
		return 0
	}
	if k >= p.steps {
		return p.amount
	}
	// amount*k does not fit in an int64 for large amounts split in many
	// steps.
	q, _ := decimal.NewFromInt(int64(p.amount)).
		Mul(decimal.NewFromInt(int64(k))).
		QuoRem(decimal.NewFromInt(int64(p.steps)), 0)
	return btcutil.Amount(q.IntPart())
}

func (p Parameters) fiatProgress(k int) decimal.Decimal {
	if k <= 0 {
		return decimal.Zero
	}
	if k >= p.steps {
		return p.fiatAmount
	}
	return p.fiatAmount.Mul(decimal.NewFromInt(int64(k))).Div(decimal.NewFromInt(int64(p.steps))).Round(2)
}

// FiatPayment is the fiat amount the buyer pays for step k.
func (p Parameters) FiatPayment(k int) decimal.Decimal {
	if k < 1 || k > p.steps {
		return decimal.Zero
	}
	return p.fiatProgress(k).Sub(p.fiatProgress(k - 1))
}

// BuyerDeposit is the amount the buyer locks in its deposit: two steps.
func (p Parameters) BuyerDeposit() btcutil.Amount {
	return 2 * p.StepAmount()
}

// SellerDeposit is the amount the seller locks in its deposit: the exchanged
// amount plus one step.
func (p Parameters) SellerDeposit() btcutil.Amount {
	return p.amount + p.StepAmount()
}

func (p Parameters) depositAmount(r Role) btcutil.Amount {
	if r == RoleBuyer {
		return p.BuyerDeposit()
	}
	return p.SellerDeposit()
}

// LocalDeposit is the amount this participant locks.
func (p Parameters) LocalDeposit() btcutil.Amount {
	return p.depositAmount(p.role)
}

// RemoteDeposit is the amount the counterpart locks.
func (p Parameters) RemoteDeposit() btcutil.Amount {
	return p.depositAmount(p.role.Counterpart())
}

// RedeemScript is the 2-of-2 script over the buyer and seller keys that
// locks both deposits.
func (p Parameters) RedeemScript() []byte {
	return append([]byte(nil), p.redeemScript...)
}

// DepositPkScript is the pay-to-script-hash output script of the deposits.
func (p Parameters) DepositPkScript() []byte {
	return append([]byte(nil), p.depositPkScript...)
}
