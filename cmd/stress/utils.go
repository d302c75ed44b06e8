/*
 * Ptree - Packed Adaptive Arrays and B+-Trees
 *
 * Copyright Packbits Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/packbits/ptree"
)

var (
	letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

	compressions = []ptree.CompressionType{
		ptree.CompressionNone,
		ptree.CompressionLZ4,
		ptree.CompressionZSTD,
	}

	r *rand.Rand
)

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	fmt.Printf("rand seed 0x%x\n", seed)
	return rand.New(rand.NewSource(seed))
}

func randStr(n int) string {
	runes := make([]rune, n)
	for i := range runes {
		runes[i] = letters[r.Intn(len(letters))]
	}
	return string(runes)
}

// randInt64 draws values across every element width so the arrays keep
// widening and copying under stress instead of settling at one width.
func randInt64() int64 {
	switch r.Intn(8) {
	case 0:
		return 0
	case 1:
		return int64(r.Intn(2))
	case 2:
		return int64(r.Intn(4))
	case 3:
		return int64(r.Intn(16))
	case 4:
		return int64(int8(r.Uint64()))
	case 5:
		return int64(int16(r.Uint64()))
	case 6:
		return int64(int32(r.Uint64()))
	default:
		return int64(r.Uint64())
	}
}
