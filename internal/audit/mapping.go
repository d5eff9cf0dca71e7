package audit

import "strings"

// ActionResource holds the action and resource derived from a gRPC method.
type ActionResource struct {
	Action   string
	Resource string
}

// ParseFullMethod maps a gRPC full method such as
// /reauth.session.v1.SessionService/RevokeAll to {revoke_all, session}.
func ParseFullMethod(fullMethod string) ActionResource {
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	method := fullMethod[slash+1:]
	service := fullMethod[:slash]
	dot := strings.LastIndex(service, ".")
	if dot < 0 {
		return ActionResource{Action: snake(method), Resource: "unknown"}
	}
	return ActionResource{Action: snake(method), Resource: serviceToResource(service[dot+1:])}
}

func serviceToResource(serviceName string) string {
	s := strings.TrimSuffix(serviceName, "Service")
	if s == "" {
		return "unknown"
	}
	return snake(s)
}

// snake converts CamelCase to snake_case: RevokeAll -> revoke_all, OAuth -> oauth.
func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			prevUpper := runes[i-1] >= 'A' && runes[i-1] <= 'Z'
			if prevLower || (prevUpper && nextLower && i > 1) {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
