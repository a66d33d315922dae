package job

// BuildMerkleBranches computes the sibling-hash ladder a miner needs to fold
// its coinbase hash up to the merkle root, given the ordered list of
// non-coinbase transaction hashes (natural byte order, coinbase excluded;
// the coinbase always occupies leaf 0). At each level the coinbase's running
// node stays at position 0, so its sibling is always the level's first
// remaining node; when a level's total size (including the coinbase slot)
// is odd, the last node is duplicated per Bitcoin convention before pairing.
func BuildMerkleBranches(txHashes [][]byte) [][]byte {
	siblings := make([][]byte, len(txHashes))
	copy(siblings, txHashes)

	var branches [][]byte
	for {
		total := len(siblings) + 1
		if total <= 1 {
			return branches
		}
		if total%2 == 1 {
			siblings = append(siblings, siblings[len(siblings)-1])
		}
		branches = append(branches, siblings[0])

		rest := siblings[1:]
		next := make([][]byte, 0, len(rest)/2)
		for i := 0; i+1 < len(rest); i += 2 {
			pair := append(append([]byte(nil), rest[i]...), rest[i+1]...)
			next = append(next, DoubleSHA256(pair))
		}
		siblings = next
	}
}

// ComputeMerkleRoot folds a coinbase hash (natural byte order) with the
// branch ladder to reproduce the block's merkle root.
func ComputeMerkleRoot(coinbaseHash []byte, branches [][]byte) []byte {
	root := append([]byte(nil), coinbaseHash...)
	for _, branch := range branches {
		pair := append(append([]byte(nil), root...), branch...)
		root = DoubleSHA256(pair)
	}
	return root
}
