package fs

import (
	"fmt"

	"kernelfs/block"
)

// extend allocates and zero-fills sectors from startingSector up to
// targetSectors, filling direct slots first, then the single-indirect
// block, then the double-indirect block — mirroring the original's extend()
// exactly. startingSector == 0 signals a fresh create. Any allocation
// failure anywhere aborts and returns an error (spec.md §9's Open Question:
// the original silently ignored a failed free_map_allocate here).
func extend(dev block.Device, fm *FreeMap, disk *diskInode, targetSectors, startingSector int) error {
	numDirect := targetSectors
	if numDirect > directCount {
		numDirect = directCount
	}
	for i := startingSector; i < numDirect; i++ {
		sector, ok := fm.Allocate(1)
		if !ok {
			return fmt.Errorf("fs: free map exhausted allocating direct block %d", i)
		}
		if err := dev.WriteSector(sector, zeroSector[:]); err != nil {
			return err
		}
		disk.Blocks[i] = sector
	}

	remaining := targetSectors - numDirect
	start := startingSector - directCount
	if start < 0 {
		start = 0
	}

	if remaining <= 0 {
		return nil
	}

	if err := allocateFirstLevel(dev, fm, &disk.Blocks[indexSingleIndirect], &remaining, &start); err != nil {
		return err
	}
	if remaining <= 0 {
		return nil
	}

	var slBlock []uint32
	var err error
	if start == 0 {
		sector, ok := fm.Allocate(1)
		if !ok {
			return fmt.Errorf("fs: free map exhausted allocating double-indirect block")
		}
		disk.Blocks[indexDoubleIndirect] = sector
		slBlock = make([]uint32, pointersPerSector)
	} else {
		slBlock, err = readIndirect(dev, disk.Blocks[indexDoubleIndirect])
		if err != nil {
			return err
		}
	}

	numSL := (remaining + pointersPerSector - 1) / pointersPerSector
	for slIndex := 0; slIndex < numSL; slIndex++ {
		if err := allocateFirstLevel(dev, fm, &slBlock[slIndex], &remaining, &start); err != nil {
			return err
		}
	}
	return writeIndirect(dev, disk.Blocks[indexDoubleIndirect], slBlock)
}

// allocateFirstLevel allocates (or loads, if partially populated already) a
// single-indirect block at *sector, filling entries from the first
// still-unallocated index. It updates *numSectors and *startingSector to
// reflect what remains after this block is filled, exactly like the
// original's allocate_first_level.
func allocateFirstLevel(dev block.Device, fm *FreeMap, sector *uint32, numSectors, startingSector *int) error {
	length := *numSectors
	start := *startingSector

	numFL := length
	if numFL > pointersPerSector {
		numFL = pointersPerSector
	}

	if start < pointersPerSector {
		var flBlock []uint32
		if start == 0 {
			s, ok := fm.Allocate(1)
			if !ok {
				return fmt.Errorf("fs: free map exhausted allocating single-indirect block")
			}
			*sector = s
			flBlock = make([]uint32, pointersPerSector)
		} else {
			var err error
			flBlock, err = readIndirect(dev, *sector)
			if err != nil {
				return err
			}
		}

		for index := start; index < numFL; index++ {
			s, ok := fm.Allocate(1)
			if !ok {
				return fmt.Errorf("fs: free map exhausted allocating data block %d", index)
			}
			if err := dev.WriteSector(s, zeroSector[:]); err != nil {
				return err
			}
			flBlock[index] = s
		}
		if err := writeIndirect(dev, *sector, flBlock); err != nil {
			return err
		}
	}

	*numSectors -= numFL
	if start < pointersPerSector {
		*startingSector = 0
	} else {
		*startingSector = start - pointersPerSector
	}
	return nil
}

// releaseData frees every data sector and indirection sector belonging to
// disk, but not the inode's own sector (the caller does that separately).
// Subtracts the actual number of sectors freed at each level rather than
// always POINTERS_IN_SECTOR, fixing spec.md §9's Open Question about the
// original's release_data under-reporting when a single-indirect block
// held fewer than 128 entries.
func releaseData(s *Store, disk *diskInode) error {
	sectors := bytesToSectors(int64(disk.Length))

	numDirect := sectors
	if numDirect > directCount {
		numDirect = directCount
	}
	for i := 0; i < numDirect; i++ {
		s.freeMap.Release(disk.Blocks[i], 1)
	}
	sectors -= numDirect

	if sectors > 0 {
		flBlock, err := readIndirect(s.dev, disk.Blocks[indexSingleIndirect])
		if err != nil {
			return err
		}
		numBlocks := sectors
		if numBlocks > pointersPerSector {
			numBlocks = pointersPerSector
		}
		for i := 0; i < numBlocks; i++ {
			s.freeMap.Release(flBlock[i], 1)
		}
		s.freeMap.Release(disk.Blocks[indexSingleIndirect], 1)
		sectors -= numBlocks
	}

	if sectors > 0 {
		slBlock, err := readIndirect(s.dev, disk.Blocks[indexDoubleIndirect])
		if err != nil {
			return err
		}
		numSL := (sectors + pointersPerSector - 1) / pointersPerSector
		for slIndex := 0; slIndex < numSL; slIndex++ {
			flBlock, err := readIndirect(s.dev, slBlock[slIndex])
			if err != nil {
				return err
			}
			numFL := sectors
			if numFL > pointersPerSector {
				numFL = pointersPerSector
			}
			for i := 0; i < numFL; i++ {
				s.freeMap.Release(flBlock[i], 1)
			}
			s.freeMap.Release(slBlock[slIndex], 1)
			sectors -= numFL
		}
		s.freeMap.Release(disk.Blocks[indexDoubleIndirect], 1)
	}
	return nil
}
