/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hostendian

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHtons(t *testing.T) {
	b := make([]byte, 2)
	Order.PutUint16(b, Htons(0x0003))
	require.Equal(t, uint16(0x0003), binary.BigEndian.Uint16(b))

	Order.PutUint16(b, Htons(0x8100))
	require.Equal(t, []byte{0x81, 0x00}, b)
}

func TestOrderMatchesFlag(t *testing.T) {
	if IsBigEndian {
		require.Equal(t, binary.BigEndian, Order)
	} else {
		require.Equal(t, binary.LittleEndian, Order)
	}
}
