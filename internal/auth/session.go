package auth

// SelectSession picks the first valid session among the two cookies. With
// preferIncident the incident token is tried first, otherwise the primary one.
func (s *Service) SelectSession(primary, incident string, preferIncident bool) (*Claims, error) {
	type candidate struct {
		token string
		scope Scope
	}
	order := []candidate{{primary, ScopePrimary}, {incident, ScopeIncident}}
	if preferIncident {
		order[0], order[1] = order[1], order[0]
	}
	for _, c := range order {
		if c.token == "" {
			continue
		}
		if claims, err := s.Verify(c.token, c.scope); err == nil {
			return claims, nil
		}
	}
	return nil, ErrUnauthorized
}
