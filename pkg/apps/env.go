package apps

// MergeEnvironment builds the environment a run starts from. It holds every
// variable the story declares; an application value replaces the story value
// only for variables the story declares. Application variables the story does
// not declare are dropped.
func MergeEnvironment(storyEnv, appEnv map[string]any) map[string]any {
	env := make(map[string]any, len(storyEnv))
	for k, v := range storyEnv {
		if override, ok := appEnv[k]; ok {
			v = override
		}
		env[k] = v
	}
	return env
}

func overlay(base, input map[string]any) map[string]any {
	env := make(map[string]any, len(base)+len(input))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range input {
		env[k] = v
	}
	return env
}
