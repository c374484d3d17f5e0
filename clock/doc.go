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

/*
Package clock contains a reader of POSIX clocks used to schedule transmissions.

Transmit deadlines are absolute values in a clock domain chosen when the socket is
configured with SO_TXTIME. By default this is CLOCK_TAI, which is not affected by
leap second steps, so deadline arithmetic stays linear.

Supported methods include
  - reading current time of a clock in nanoseconds through Clock.Now
  - sleeping for a relative duration through Clock.Sleep, which can be interrupted
  - reading the kernel TAI offset through TAIOffset. If the offset is zero, CLOCK_TAI
    is equal to CLOCK_REALTIME and deadlines will be off by the leap second count.
*/
package clock
