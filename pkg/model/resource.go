package model

// AllCores 核心数为 0 是哨兵值：占用 agent 能提供的全部核心
const AllCores CoreRequest = 0

// CoreRequest 一个实验单元需要的 CPU 核心数
type CoreRequest int

func (c CoreRequest) IsAllCores() bool { return c == AllCores }

// UsableCores agent 实际可用的核心数
// leaveOneFree 时给 agent 自己的控制进程留一个核心
func UsableCores(total int, leaveOneFree bool) int {
	if leaveOneFree {
		total--
	}
	if total < 0 {
		return 0
	}
	return total
}

// Fits 判断请求能否放进剩余容量，返回会消耗的核心数
// AllCores 只有在 agent 还没分配任何单元时 (remaining == usable) 才能放入，并吃掉全部剩余核心
func (c CoreRequest) Fits(remaining, usable int) (int, bool) {
	if remaining <= 0 {
		return 0, false
	}
	if c.IsAllCores() {
		if remaining != usable {
			return 0, false
		}
		return remaining, true
	}
	if int(c) > remaining {
		return 0, false
	}
	return int(c), true
}
