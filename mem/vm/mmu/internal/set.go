// Package internal provides the TLB storage used by the MMU model.
package internal

import (
	"sort"

	"github.com/sarchlab/svkernel/mem/vm"
)

// A Block is one cached translation.
type Block struct {
	Page  vm.PageNum
	Frame vm.FrameNum
	Flags vm.Flag
	Valid bool
}

// A Set holds a fixed number of translations and evicts the least recently
// used one.
type Set interface {
	Lookup(p vm.PageNum) (wayID int, block Block, found bool)
	Update(wayID int, block Block)
	Evict() (wayID int, ok bool)
	Visit(wayID int)
	Invalidate(p vm.PageNum) bool
	Reset()
}

// NewSet creates a new TLB set.
func NewSet(numWays int) Set {
	if numWays <= 0 {
		panic("a TLB set needs at least one way")
	}

	s := &setImpl{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.pageWayIDMap = make(map[vm.PageNum]int)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.Visit(i)
	}

	return s
}

type block struct {
	Block
	wayID     int
	lastVisit uint64
}

type setImpl struct {
	blocks       []*block
	pageWayIDMap map[vm.PageNum]int
	visitList    []*block
	visitCount   uint64
}

func (s *setImpl) Lookup(p vm.PageNum) (
	wayID int,
	b Block,
	found bool,
) {
	wayID, ok := s.pageWayIDMap[p]
	if !ok {
		return 0, Block{}, false
	}

	blk := s.blocks[wayID]

	return blk.wayID, blk.Block, true
}

func (s *setImpl) Update(wayID int, b Block) {
	blk := s.blocks[wayID]
	if blk.Valid {
		delete(s.pageWayIDMap, blk.Page)
	}

	blk.Block = b
	if b.Valid {
		s.pageWayIDMap[b.Page] = wayID
	}
}

func (s *setImpl) Evict() (wayID int, ok bool) {
	if len(s.visitList) == 0 {
		return 0, false
	}

	leastVisited := s.visitList[0]
	wayID = leastVisited.wayID
	s.visitList = s.visitList[1:]

	return wayID, true
}

func (s *setImpl) Visit(wayID int) {
	blk := s.blocks[wayID]
	s.removeFromVisitList(wayID)

	s.visitCount++
	blk.lastVisit = s.visitCount

	index := sort.Search(len(s.visitList), func(i int) bool {
		return s.visitList[i].lastVisit > blk.lastVisit
	})

	s.visitList = append(s.visitList, nil)
	copy(s.visitList[index+1:], s.visitList[index:])
	s.visitList[index] = blk
}

func (s *setImpl) removeFromVisitList(wayID int) {
	for i, b := range s.visitList {
		if b.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			return
		}
	}
}

// Invalidate drops the translation of a page and makes its way the next one
// to be evicted.
func (s *setImpl) Invalidate(p vm.PageNum) bool {
	wayID, ok := s.pageWayIDMap[p]
	if !ok {
		return false
	}

	s.Update(wayID, Block{})
	s.removeFromVisitList(wayID)
	s.blocks[wayID].lastVisit = 0
	s.visitList = append([]*block{s.blocks[wayID]}, s.visitList...)

	return true
}

func (s *setImpl) Reset() {
	s.pageWayIDMap = make(map[vm.PageNum]int)
	s.visitList = s.visitList[:0]
	s.visitCount = 0

	for i, b := range s.blocks {
		b.Block = Block{}
		s.Visit(i)
	}
}
