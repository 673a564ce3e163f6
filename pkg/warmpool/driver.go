// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package warmpool

// driverScript runs inside the warm container. It loads the staged
// function file, applies the staged parameters, and prints the result as
// JSON on stdout. Failures leave a traceback in error.txt next to the
// script and exit non-zero.
const driverScript = `import importlib.util
import inspect
import json
import os
import sys
import traceback


def main():
    task_dir = os.path.dirname(os.path.abspath(__file__))
    with open(os.path.join(task_dir, "params.json")) as f:
        params = json.load(f)

    spec = importlib.util.spec_from_file_location(
        "kiln_task_function", os.path.join(task_dir, "function.py"))
    module = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(module)

    fn = getattr(module, os.environ["KILN_FUNCTION_NAME"])
    result = fn(**params)
    if inspect.iscoroutine(result):
        import asyncio
        result = asyncio.run(result)

    print(json.dumps({"result": result}, default=str))


if __name__ == "__main__":
    try:
        os.chdir("/repo")
        main()
    except Exception:
        task_dir = os.path.dirname(os.path.abspath(__file__))
        with open(os.path.join(task_dir, "error.txt"), "w") as f:
            f.write(traceback.format_exc())
        sys.exit(1)
`
