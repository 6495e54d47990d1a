package status

import "reflect"

// deepMerge merges src into dst in place. Nested objects merge recursively;
// scalars and arrays replace. Returns whether dst changed structurally.
func deepMerge(dst, src map[string]any) bool {
	changed := false
	for key, value := range src {
		existing, ok := dst[key]
		if ok {
			dstObj, dstIsObj := existing.(map[string]any)
			srcObj, srcIsObj := value.(map[string]any)
			if dstIsObj && srcIsObj {
				if deepMerge(dstObj, srcObj) {
					changed = true
				}
				continue
			}
			if reflect.DeepEqual(existing, value) {
				continue
			}
		}
		dst[key] = cloneValue(value)
		changed = true
	}
	return changed
}

// cloneValue deep-copies nested objects so later caller mutations of the
// update cannot alias into the snapshot.
func cloneValue(value any) any {
	obj, ok := value.(map[string]any)
	if !ok {
		return value
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneObject deep-copies a snapshot for serialization outside the lock.
func cloneObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = cloneValue(v)
	}
	return out
}
