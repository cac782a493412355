package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Asset identifies a balance-holding asset as "CODE/decimals", e.g. "DUSD/6".
// The decimals part is the number of minor-unit digits used for amounts held
// in this asset.
type Asset string

// Code returns the asset code without the decimals suffix.
func (a Asset) Code() string {
	code, _, _ := strings.Cut(string(a), "/")
	return code
}

// Decimals returns the minor-unit digits of the asset. Assets without an
// explicit suffix default to 2.
func (a Asset) Decimals() int32 {
	_, suffix, ok := strings.Cut(string(a), "/")
	if !ok {
		return 2
	}
	d, err := strconv.Atoi(suffix)
	if err != nil {
		return 2
	}
	return int32(d)
}

func (a Asset) String() string {
	return string(a)
}

// Validate checks the "CODE/decimals" shape.
func (a Asset) Validate() error {
	code, suffix, ok := strings.Cut(string(a), "/")
	if code == "" {
		return fmt.Errorf("asset code is empty: %w", ErrInvalidConfig)
	}
	if !ok {
		return nil
	}
	d, err := strconv.Atoi(suffix)
	if err != nil || d < 0 || d > 18 {
		return fmt.Errorf("asset %q has invalid decimals: %w", a, ErrInvalidConfig)
	}
	return nil
}
