package eventbus

import "time"

// Kind names the type of a notification. It doubles as the event name on
// client push streams.
type Kind string

// Notification kinds
const (
	KindNewRecipe           Kind = "new_recipe"
	KindRecipeUpdated       Kind = "recipe_updated"
	KindIngredientSuggested Kind = "ingredient_suggested"
	KindJobState            Kind = "job_state"
	KindConfigReloaded      Kind = "config_reloaded"
)

// Notification is a domain event fanned out to every subscriber.
// Payload must be a value type (or otherwise never mutated after publish)
// because all subscribers share it.
type Notification struct {
	Kind    Kind
	Payload any
	At      time.Time
}

// NewRecipe is the payload of KindNewRecipe.
type NewRecipe struct {
	Name   string `json:"name"`
	Author string `json:"author,omitempty"`
}

// RecipeUpdated is the payload of KindRecipeUpdated.
type RecipeUpdated struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IngredientSuggested is the payload of KindIngredientSuggested.
type IngredientSuggested struct {
	Ingredient string `json:"ingredient"`
	Recipe     string `json:"recipe,omitempty"`
}

// JobState is the payload of KindJobState.
type JobState struct {
	Job     string `json:"job"`
	State   string `json:"state"`
	Outcome string `json:"outcome,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// ConfigReloaded is the payload of KindConfigReloaded.
type ConfigReloaded struct {
	Version uint64 `json:"version"`
	Source  string `json:"source"`
}

// NewNotification stamps payload with kind and the current time.
func NewNotification(kind Kind, payload any) Notification {
	return Notification{
		Kind:    kind,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// ParseKind validates an externally supplied kind.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindNewRecipe, KindRecipeUpdated, KindIngredientSuggested, KindJobState, KindConfigReloaded:
		return k, true
	default:
		return "", false
	}
}
