// Package syscall is the fixed-number syscall surface and its dispatcher.
// Every syscall is a u32 number with up to six register arguments and a
// single u32 result; the dispatcher consults the per-thread capability
// mask before any handler runs.
package syscall

// Process lifecycle.
const (
	SysExit       uint32 = 1
	SysGetpid     uint32 = 2
	SysGetppid    uint32 = 3
	SysYield      uint32 = 4
	SysSleep      uint32 = 5
	SysSpawn      uint32 = 6
	SysKill       uint32 = 7
	SysWaitpid    uint32 = 8
	SysTryWaitpid uint32 = 9
	SysFork       uint32 = 10
	SysExec       uint32 = 11
	SysGetargs    uint32 = 12
	SysSetPrio    uint32 = 13
)

// Memory.
const (
	SysSbrk   uint32 = 20
	SysMmap   uint32 = 21
	SysMunmap uint32 = 22
)

// Filesystem.
const (
	SysOpen       uint32 = 30
	SysRead       uint32 = 31
	SysWrite      uint32 = 32
	SysClose      uint32 = 33
	SysStat       uint32 = 34
	SysLstat      uint32 = 35
	SysReaddir    uint32 = 36
	SysMkdir      uint32 = 37
	SysUnlink     uint32 = 38
	SysTruncate   uint32 = 39
	SysSymlink    uint32 = 40
	SysReadlink   uint32 = 41
	SysMount      uint32 = 42
	SysUmount     uint32 = 43
	SysListMounts uint32 = 44
	SysLseek      uint32 = 45
	SysFstat      uint32 = 46
	SysChdir      uint32 = 47
	SysGetcwd     uint32 = 48
	SysChmod      uint32 = 49
	SysChown      uint32 = 50
)

// Networking.
const (
	SysNetConfig uint32 = 60
	SysNetPing   uint32 = 61
	SysNetDHCP   uint32 = 62
	SysNetDNS    uint32 = 63
	SysNetARP    uint32 = 64
	SysNetPoll   uint32 = 65

	SysTCPConnect       uint32 = 70
	SysTCPSend          uint32 = 71
	SysTCPRecv          uint32 = 72
	SysTCPClose         uint32 = 73
	SysTCPStatus        uint32 = 74
	SysTCPRecvAvailable uint32 = 75
	SysTCPShutdownWr    uint32 = 76

	SysUDPBind     uint32 = 80
	SysUDPUnbind   uint32 = 81
	SysUDPSendto   uint32 = 82
	SysUDPRecvfrom uint32 = 83
	SysUDPSetOpt   uint32 = 84
)

// Audio.
const (
	SysAudioWrite uint32 = 90
	SysAudioCtl   uint32 = 91
)

// Display (non-compositor).
const (
	SysScreenSize      uint32 = 100
	SysSetResolution   uint32 = 101
	SysListResolutions uint32 = 102
	SysGPUInfo         uint32 = 103
	SysGPUHasAccel     uint32 = 104
	SysCaptureScreen   uint32 = 105
)

// Raw devices.
const (
	SysDevlist  uint32 = 110
	SysDevopen  uint32 = 111
	SysDevclose uint32 = 112
	SysDevread  uint32 = 113
	SysDevwrite uint32 = 114
	SysDevioctl uint32 = 115
	SysIrqwait  uint32 = 116
)

// Pipes.
const (
	SysPipeCreate uint32 = 120
	SysPipeOpen   uint32 = 121
	SysPipeRead   uint32 = 122
	SysPipeWrite  uint32 = 123
	SysPipeClose  uint32 = 124
	SysPipeList   uint32 = 125
)

// Shared memory.
const (
	SysShmCreate  uint32 = 130
	SysShmMap     uint32 = 131
	SysShmUnmap   uint32 = 132
	SysShmDestroy uint32 = 133
)

// Event bus.
const (
	SysEvtSysSubscribe   uint32 = 140
	SysEvtSysPoll        uint32 = 141
	SysEvtSysUnsubscribe uint32 = 142
	SysEvtChanCreate     uint32 = 143
	SysEvtChanSubscribe  uint32 = 144
	SysEvtChanEmit       uint32 = 145
	SysEvtChanPoll       uint32 = 146
	SysEvtChanDestroy    uint32 = 147
)

// Compositor-privileged.
const (
	SysMapFramebuffer     uint32 = 150
	SysGPUCommand         uint32 = 151
	SysInputPoll          uint32 = 152
	SysRegisterCompositor uint32 = 153
	SysCursorTakeover     uint32 = 154
	SysBootReady          uint32 = 155
)

// System admin.
const (
	SysSysinfo     uint32 = 160
	SysDmesg       uint32 = 161
	SysSetenv      uint32 = 162
	SysListenv     uint32 = 163
	SysSetCritical uint32 = 164
	SysAdduser     uint32 = 165
	SysDeluser     uint32 = 166
	SysAddgroup    uint32 = 167
	SysDelgroup    uint32 = 168
)

// Always-allowed info syscalls.
const (
	SysTime      uint32 = 170
	SysUptime    uint32 = 171
	SysTickHz    uint32 = 172
	SysGetenv    uint32 = 173
	SysRandom    uint32 = 174
	SysIsatty    uint32 = 175
	SysGetuid    uint32 = 176
	SysGetgid    uint32 = 177
	SysGetCaps   uint32 = 178
	SysListUsers uint32 = 179
)

// DLL and thread.
const (
	SysDllLoad      uint32 = 180
	SysThreadCreate uint32 = 181
)

// App permissions.
const (
	SysPermCheck       uint32 = 190
	SysPermStore       uint32 = 191
	SysPermPendingInfo uint32 = 192
	SysPermList        uint32 = 193
	SysPermDelete      uint32 = 194
)
