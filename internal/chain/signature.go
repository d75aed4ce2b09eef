package chain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned when a signature cannot be recovered or does
// not match the claimed address.
var ErrBadSignature = errors.New("chain: invalid signature")

// DecryptMessage is the personal_sign message the web app asks a participant
// to sign before contacts are released.
func DecryptMessage(taskID string) string {
	return "EverEcho: decrypt for task " + taskID
}

var taskIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`decrypt for task (\d+)`),
	regexp.MustCompile(`(?i)task\s*id\s*[:=]\s*(\d+)`),
	regexp.MustCompile(`(?i)task\s+#?(\d+)`),
}

// ExtractTaskID finds the task id a signed message refers to.
func ExtractTaskID(message string) (string, bool) {
	for _, pat := range taskIDPatterns {
		if m := pat.FindStringSubmatch(message); m != nil {
			n, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil {
				return "", false
			}
			return strconv.FormatUint(n, 10), true
		}
	}
	return "", false
}

// RecoverPersonalSigner returns the address that produced an EIP-191
// personal_sign signature over message.
func RecoverPersonalSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", ErrBadSignature
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifyPersonalSign checks that signature over message was produced by expected.
func VerifyPersonalSign(message, signature, expected string) error {
	signer, err := RecoverPersonalSigner(message, signature)
	if err != nil {
		return err
	}
	if !SameAddress(signer, expected) {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, signer)
	}
	return nil
}
