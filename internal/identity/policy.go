package identity

// Policy determines which combinations of credential kinds suffice to
// authenticate a user for a given protocol. The zero value behaves as
// AnySingleCredentialPolicy: any one credential kind the user possesses is
// sufficient, matching the default in
// original_source/warpgate-core/src/config_providers/db.rs.
type Policy struct {
	// PerProtocol overrides, keyed by TargetProtocol. A protocol absent from
	// this map falls back to Default.
	PerProtocol map[TargetProtocol][]CredentialKind

	// Default lists the credential kinds that, all presented together,
	// satisfy the policy when no per-protocol override applies. An empty
	// Default means AnySingleCredentialPolicy.
	Default []CredentialKind
}

// RequiredSets returns the set of "satisfying combinations" for protocol p:
// each inner slice is itself a combination of kinds that together suffice.
// AnySingleCredentialPolicy expands to one combination per available kind.
func (p *Policy) RequiredSets(proto TargetProtocol, available []CredentialKind) [][]CredentialKind {
	if p != nil {
		if kinds, ok := p.PerProtocol[proto]; ok && len(kinds) > 0 {
			return [][]CredentialKind{kinds}
		}
		if len(p.Default) > 0 {
			return [][]CredentialKind{p.Default}
		}
	}
	sets := make([][]CredentialKind, 0, len(available))
	for _, k := range available {
		sets = append(sets, []CredentialKind{k})
	}
	return sets
}
