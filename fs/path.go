package fs

import "strings"

// Resolve tokenizes path on '/' and walks directories from root (absolute
// paths) or from cwd (relative paths), per spec.md §4.3. It returns the
// parent directory of the last component (caller closes it) and the last
// component's name. An empty path or exactly "/" returns root and "/".
func Resolve(store *Store, cwd *Directory, path string) (*Directory, string, error) {
	if path == "" || path == "/" {
		root, err := store.OpenRoot()
		if err != nil {
			return nil, "", err
		}
		return root, "/", nil
	}

	tokens := tokenize(path)

	var current *Directory
	var err error
	if strings.HasPrefix(path, "/") {
		current, err = store.OpenRoot()
		if err != nil {
			return nil, "", err
		}
	} else {
		current = store.ReopenDir(cwd)
	}

	for i := 0; i < len(tokens)-1; i++ {
		tok := tokens[i]
		switch tok {
		case ".":
			// no-op
		case "..":
			parent, err := store.OpenParent(current)
			if err != nil {
				store.CloseDir(current)
				return nil, "", err
			}
			store.CloseDir(current)
			current = parent
		default:
			ino, err := current.Lookup(tok)
			if err != nil {
				store.CloseDir(current)
				return nil, "", err
			}
			if !ino.IsDir() {
				store.Close(ino)
				store.CloseDir(current)
				return nil, "", ErrNotDir
			}
			next, err := OpenDirectory(store, ino)
			if err != nil {
				store.CloseDir(current)
				return nil, "", err
			}
			store.CloseDir(current)
			current = next
		}
	}

	last := tokens[len(tokens)-1]
	return current, last, nil
}

// ResolveOpen is like Resolve but interprets a final "." or "/" as "this
// directory" and ".." as this directory's parent — the semantics
// System.Open uses, as opposed to System.Create which rejects those same
// last components.
func ResolveOpen(store *Store, cwd *Directory, path string) (*Inode, error) {
	dir, last, err := Resolve(store, cwd, path)
	if err != nil {
		return nil, err
	}
	defer store.CloseDir(dir)

	switch last {
	case ".", "/":
		return store.Reopen(dir.Inode()), nil
	case "..":
		parent, err := store.OpenParent(dir)
		if err != nil {
			return nil, err
		}
		defer store.CloseDir(parent)
		return store.Reopen(parent.Inode()), nil
	default:
		return dir.Lookup(last)
	}
}

// tokenize splits a path on '/', dropping empty components (so leading,
// trailing, and repeated slashes collapse the way spec.md §4.3 expects).
func tokenize(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = append(out, "/")
	}
	return out
}

// ValidCreateName rejects the last components a create-style call must
// refuse: "/", ".", and "..".
func ValidCreateName(name string) bool {
	return name != "/" && name != "." && name != ".."
}
