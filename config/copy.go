package config

import "github.com/mitchellh/copystructure"

// deepCopy copies any JSON-shaped value held by the store. Values the store holds are plain maps,
// slices and scalars, which copystructure always handles, so a failure is a programming error.
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	return copystructure.Must(copystructure.Copy(v))
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return deepCopy(m).(map[string]any)
}
