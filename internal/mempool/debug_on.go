//go:build genkvdebug

package mempool

const zeroOnAlloc = true
