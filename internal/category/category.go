// Package category defines the closed set of spot categories used across Mikke.
package category

import (
	"errors"
	"fmt"
	"strings"
)

// ID identifies one of the fixed spot categories. The set is closed: every ID
// flowing through the system is produced by Parse or by the package constants.
type ID string

const (
	ParkOutdoor    ID = "park_outdoor"
	Family         ID = "family"
	Entertainment  ID = "entertainment"
	FoodDrink      ID = "food_drink"
	Shopping       ID = "shopping"
	Tourism        ID = "tourism"
	VendingMachine ID = "vending_machine"
	Pet            ID = "pet"
	PublicFacility ID = "public_facility"
	Transportation ID = "transportation"
	Others         ID = "others"
)

// ErrUnknownCategory indicates input outside the fixed category set.
var ErrUnknownCategory = errors.New("category: unknown category")

var all = []ID{
	ParkOutdoor,
	Family,
	Entertainment,
	FoodDrink,
	Shopping,
	Tourism,
	VendingMachine,
	Pet,
	PublicFacility,
	Transportation,
	Others,
}

var byName = func() map[string]ID {
	index := make(map[string]ID, len(all))
	for _, id := range all {
		index[string(id)] = id
	}
	return index
}()

// All returns every category in declaration order. The returned slice is a copy.
func All() []ID {
	return append([]ID(nil), all...)
}

// Parse validates raw input against the fixed category set.
func Parse(rawInput string) (ID, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if id, ok := byName[trimmed]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, rawInput)
}

// IsValid reports whether the ID belongs to the fixed category set.
func IsValid(id ID) bool {
	_, ok := byName[string(id)]
	return ok
}

// String returns the wire representation of the category.
func (id ID) String() string {
	return string(id)
}
