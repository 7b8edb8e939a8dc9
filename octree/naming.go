package octree

import (
	"strconv"
	"strings"

	"go.viam.com/potree/spatialmath"
)

// RootName is the name of every octree root.
const RootName = "r"

// IndexFromName returns the octant of a node, the last digit of its name. The root is octant 0.
func IndexFromName(name string) int {
	if len(name) <= 1 {
		return 0
	}
	idx, err := strconv.Atoi(name[len(name)-1:])
	if err != nil {
		return 0
	}
	return idx
}

// LevelFromName returns the depth of a node; the root is level 0.
func LevelFromName(name string) int {
	if name == "" {
		return 0
	}
	return len(name) - 1
}

// ParentName returns the name of the parent node, or "" for the root.
func ParentName(name string) string {
	if len(name) <= 1 {
		return ""
	}
	return name[:len(name)-1]
}

// ChildName returns the name of the child in octant index.
func ChildName(name string, index int) string {
	return name + strconv.Itoa(index)
}

// ValidName reports whether name is "r" followed by octant digits.
func ValidName(name string) bool {
	if !strings.HasPrefix(name, RootName) {
		return false
	}
	for _, c := range name[1:] {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

// CompareNames orders names by level, then lexically: r, r0, r3, r4, r01, r07, r30.
func CompareNames(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	return strings.Compare(a, b)
}

// ByLevelAndIndex orders nodes like CompareNames orders their names.
func ByLevelAndIndex(a, b *Node) int {
	return CompareNames(a.Name, b.Name)
}

// ChildBox returns the octant of box selected by index.
func ChildBox(box spatialmath.Box, index int) spatialmath.Box {
	return box.Octant(index)
}
