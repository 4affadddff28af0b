// Package menucache is the membership oracle the order service consults
// to validate incoming line items (spec.md §1 explicitly scopes the
// catalogue's caching mechanism itself out — this package only declares
// the lookup interface create_order needs).
package menucache

// Cache reports whether a menu item id is currently valid, drawing on
// the union of subcategories, ingredients, and combos. An empty cache
// means validation is skipped entirely (spec.md §4.G step 1).
type Cache interface {
	IsEmpty() bool
	Contains(menuItemID string) bool
}

// StaticCache is a process-local, in-memory implementation populated by
// whatever catalogue sync mechanism the host application uses; this core
// only depends on the Cache interface.
type StaticCache struct {
	ids map[string]struct{}
}

// NewStaticCache builds a cache from the union of subcategory,
// ingredient, and combo menu item ids.
func NewStaticCache(subcategoryIDs, ingredientIDs, comboIDs []string) *StaticCache {
	ids := make(map[string]struct{}, len(subcategoryIDs)+len(ingredientIDs)+len(comboIDs))
	for _, group := range [][]string{subcategoryIDs, ingredientIDs, comboIDs} {
		for _, id := range group {
			ids[id] = struct{}{}
		}
	}
	return &StaticCache{ids: ids}
}

func (c *StaticCache) IsEmpty() bool { return len(c.ids) == 0 }

func (c *StaticCache) Contains(menuItemID string) bool {
	_, ok := c.ids[menuItemID]
	return ok
}
