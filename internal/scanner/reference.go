package scanner

import "strings"

// ImageReference is a repository name split into its parts.
type ImageReference struct {
	// Registry is empty when the name has no registry host.
	Registry string
	// Image is the name without the registry, tag included.
	Image string
	// Name is Image without the tag.
	Name string
	// Tag defaults to "latest".
	Tag string
}

// ParseImageReference splits names such as r.c.o/foo/bar:tag1. The first
// path component is a registry only if it contains a "." or ":".
func ParseImageReference(ref string) ImageReference {
	if ref == "" {
		return ImageReference{}
	}

	out := ImageReference{Image: ref}
	if first, rest, ok := strings.Cut(ref, "/"); ok && strings.ContainsAny(first, ".:") {
		out.Registry = first
		out.Image = rest
	}

	parts := strings.Split(out.Image, ":")
	if len(parts) == 2 {
		out.Name = parts[0]
		out.Tag = parts[1]
	} else {
		out.Name = out.Image
		out.Tag = "latest"
	}
	return out
}
