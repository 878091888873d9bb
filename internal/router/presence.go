package router

// IsOnline reports whether an identity has a live session.
func (r *Router) IsOnline(identityID string) bool {
	return len(r.sessions.handlesFor(identityID)) > 0
}
