//go:build linux || darwin

package memset

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/rvm/internal/hv"
)

const (
	entriesPerTable = 512
	levels          = 4
	pageShift       = 12
	levelBits       = 9

	// maxGuestPhys is the first address beyond what four levels translate.
	maxGuestPhys = uint64(1) << (pageShift + levels*levelBits)

	pteRead  = 1 << 0
	pteWrite = 1 << 1
	pteExec  = 1 << 2
	pteValid = pteRead | pteWrite | pteExec

	pteAddrMask = uint64(0x000f_ffff_ffff_f000)

	// maxHostPhys is the first host address a leaf entry cannot hold.
	maxHostPhys = pteAddrMask + hv.PageSize
)

// ptes is one page-sized node of the translation tree.
type ptes [entriesPerTable]uint64

// pageTables is a four level, EPT style radix tree. Nodes live in anonymous
// host mappings so their addresses stay fixed; the "physical" address of a
// node is its host address.
type pageTables struct {
	root     *ptes
	rootPhys uintptr
	nodes    map[uintptr]*ptes
	pages    [][]byte
}

func newPageTables() (*pageTables, error) {
	pt := &pageTables{nodes: make(map[uintptr]*ptes)}
	root, phys, err := pt.allocNode()
	if err != nil {
		return nil, err
	}
	pt.root, pt.rootPhys = root, phys
	return pt, nil
}

func (pt *pageTables) allocNode() (*ptes, uintptr, error) {
	page, err := unix.Mmap(-1, 0, hv.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, 0, fmt.Errorf("allocate page table node: %w", err)
	}
	node := (*ptes)(unsafe.Pointer(&page[0]))
	phys := uintptr(unsafe.Pointer(&page[0]))
	pt.pages = append(pt.pages, page)
	pt.nodes[phys] = node
	return node, phys, nil
}

func index(gpa uint64, level int) int {
	return int(gpa>>(pageShift+uint(level)*levelBits)) & (entriesPerTable - 1)
}

// leaf returns the last level node covering gpa, allocating intermediate
// nodes when alloc is set.
func (pt *pageTables) leaf(gpa uint64, alloc bool) (*ptes, error) {
	node := pt.root
	for level := levels - 1; level > 0; level-- {
		entry := &node[index(gpa, level)]
		if *entry&pteValid == 0 {
			if !alloc {
				return nil, nil
			}
			next, phys, err := pt.allocNode()
			if err != nil {
				return nil, err
			}
			*entry = uint64(phys) | pteValid
			node = next
			continue
		}
		node = pt.nodes[uintptr(*entry&pteAddrMask)]
	}
	return node, nil
}

func (pt *pageTables) mapPage(gpa, hpa uint64) error {
	node, err := pt.leaf(gpa, true)
	if err != nil {
		return err
	}
	node[index(gpa, 0)] = hpa&pteAddrMask | pteValid
	return nil
}

func (pt *pageTables) unmapPage(gpa uint64) {
	node, _ := pt.leaf(gpa, false)
	if node != nil {
		node[index(gpa, 0)] = 0
	}
}

func (pt *pageTables) translate(gpa uint64) (uint64, bool) {
	node, _ := pt.leaf(gpa, false)
	if node == nil {
		return 0, false
	}
	entry := node[index(gpa, 0)]
	if entry&pteValid == 0 {
		return 0, false
	}
	return entry&pteAddrMask | gpa&(hv.PageSize-1), true
}

func (pt *pageTables) release() error {
	var first error
	for _, page := range pt.pages {
		if err := unix.Munmap(page); err != nil && first == nil {
			first = err
		}
	}
	pt.pages = nil
	pt.nodes = nil
	pt.root = nil
	return first
}
