package embedding

import "fmt"

// DimensionedStore is the slice of the store contract that dimension
// validation needs: the fixed vector width, if any vectors are stored yet.
type DimensionedStore interface {
	Dimensions() (int, bool)
}

// ValidationResult reports whether a provider's output width is compatible
// with the vectors a store already holds.
type ValidationResult struct {
	OK                 bool
	ProviderDimensions int
	StoredDimensions   *int // nil when the store holds no vectors yet
	Reason             string
}

// ValidateDimensions checks a provider against a store once, at startup.
// Switching embedding models without re-indexing causes silent retrieval
// failures; callers are expected to refuse to start on a mismatch.
func ValidateDimensions(provider Provider, store DimensionedStore) ValidationResult {
	providerDims := provider.Dimension()

	stored, ok := store.Dimensions()
	if !ok {
		// No vectors stored yet, nothing to conflict with.
		return ValidationResult{OK: true, ProviderDimensions: providerDims}
	}

	if stored == providerDims {
		return ValidationResult{OK: true, ProviderDimensions: providerDims, StoredDimensions: &stored}
	}

	return ValidationResult{
		OK:                 false,
		ProviderDimensions: providerDims,
		StoredDimensions:   &stored,
		Reason: fmt.Sprintf(
			"embedding dimension mismatch: store holds %d-dim vectors but provider generates %d-dim vectors; switch back to the previous provider or re-embed all memories",
			stored, providerDims),
	}
}
