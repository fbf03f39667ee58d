package conversation

import (
	"context"
	"fmt"
)

// RotateKeys re-seals every stored API key that was sealed with a retired master key.
// It returns how many keys were rewritten.
func (s *Service) RotateKeys(ctx context.Context) (int, error) {
	models, err := s.store.ListSealedModelConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sealed model configs: %w", err)
	}
	rotated := 0
	for _, m := range models {
		if !m.HasAPIKey() || !s.secrets.NeedsRotation(*m.EncAPIKey) {
			continue
		}
		sealed, err := s.secrets.ReSeal(*m.EncAPIKey, m.ID)
		if err != nil {
			return rotated, fmt.Errorf("re-seal key of %q: %w", m.Name, err)
		}
		if err := s.store.SetModelConfigKey(ctx, m.OwnerID, m.ID, &sealed); err != nil {
			return rotated, fmt.Errorf("store re-sealed key of %q: %w", m.Name, err)
		}
		rotated++
	}
	if rotated > 0 {
		s.log.Info().Int("rotated", rotated).Msg("api keys re-sealed")
	}
	return rotated, nil
}
