package saga

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/nikwyss/poltrMVP/pkg/store"
)

// letters is the uppercase alphabet the pseudonym's initial is drawn from.
const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Pseudonym is a freshly generated display identity for a new account:
// "<Letter>. <MountainName>", plus the template row and a color whose
// perceived luma falls in [30, 180].
type Pseudonym struct {
	Template    store.MountainTemplate
	Initial     string
	DisplayName string
	ColorHex    string
}

// pseudonymSource abstracts the one store call the generator needs, so
// tests can supply a fixed template without a live DB.
type pseudonymSource interface {
	RandomMountainTemplate(ctx context.Context) (*store.MountainTemplate, error)
}

// GeneratePseudonym draws a Mountain-template uniformly at random, picks a
// uniformly random uppercase letter, and a random color with luma in
// [30, 180].
func GeneratePseudonym(ctx context.Context, src pseudonymSource) (*Pseudonym, error) {
	tmpl, err := src.RandomMountainTemplate(ctx)
	if err != nil {
		return nil, fmt.Errorf("saga: draw pseudonym template: %w", err)
	}

	letter, err := randomLetter()
	if err != nil {
		return nil, err
	}

	color, err := randomLumaBoundedColor(30, 180)
	if err != nil {
		return nil, err
	}

	return &Pseudonym{
		Template:    *tmpl,
		Initial:     letter,
		DisplayName: fmt.Sprintf("%s. %s", letter, tmpl.Name),
		ColorHex:    color,
	}, nil
}

func randomLetter() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
	if err != nil {
		return "", fmt.Errorf("saga: random letter: %w", err)
	}
	return string(letters[n.Int64()]), nil
}

// randomLumaBoundedColor draws RGB components uniformly, rejecting samples
// whose perceived luma (ITU-R BT.709: 0.2126R + 0.7152G + 0.0722B) falls
// outside [min, max], and returns the accepted color as "#RRGGBB".
func randomLumaBoundedColor(min, max float64) (string, error) {
	for {
		r, err := randomByte()
		if err != nil {
			return "", err
		}
		g, err := randomByte()
		if err != nil {
			return "", err
		}
		b, err := randomByte()
		if err != nil {
			return "", err
		}
		luma := 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
		if luma >= min && luma <= max {
			return fmt.Sprintf("#%02X%02X%02X", r, g, b), nil
		}
	}
}

func randomByte() (uint8, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(256))
	if err != nil {
		return 0, fmt.Errorf("saga: random byte: %w", err)
	}
	return uint8(n.Int64()), nil
}
